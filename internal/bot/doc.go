// Package bot — “склейка” вокруг transport, governor, correlator, explorer
// и fishing, реализующая селфбота для Virtual Fisher. Бот:
//   - слушает поток событий gateway и раздаёт ответы игры correlator'у;
//   - ловит капчу: вытесняет рыбалку и explorer, играет звук, при наличии
//     ключа OCR распознаёт картинку и (опционально) сам отправляет /verify;
//   - обрабатывает команды оператора, набранные в канале с того же аккаунта
//     (!help, !status, !refresh, !revalidate, !solve, !resolved, !fish, !explore).
//
// Жизненный цикл:
//   - Собрать бота через New(cfg, transport, store, log).
//   - Запустить Start(ctx): подключение к gateway синхронное, циклы — в фоне.
//   - Остановить Stop(); Done() закрывается, когда фон завершился сам.
//
// Пример:
//
//	b := bot.New(cfg, client, st, log)
//	if err := b.Start(ctx); err != nil { log.Fatal(...) }
//	defer b.Stop()
//	<-ctx.Done()
package bot
