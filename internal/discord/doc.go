// Package discord — транспорт до Virtual Fisher: gateway (WebSocket) для
// потока сообщений и REST для discovery и вызова slash-команд от имени
// пользовательского аккаунта.
//
// Gateway:
//   - Hello → heartbeat с джиттером, Identify, READY (session_id нужен в
//     payload'ах interactions).
//   - Запись в сокет сериализована (мьютекс + write-deadline).
//   - Нет heartbeat ACK два интервала подряд — соединение считаем мёртвым.
//   - Reconnect (op 7), Invalid Session (op 9) и любые ошибки чтения ведут
//     к переподключению с экспоненциальным backoff (1s → 30s). После
//     ReconnectAttempts неудач подряд Events() закрывается.
//
// REST идёт через discordgo.Session без повторов по 429: решение о паузе
// принимает governor, поэтому 429 возвращается как transport.RateLimitedError.
//
// Пример:
//
//	c, err := discord.New(cfg, log)
//	if err != nil { return err }
//	if err := c.Connect(ctx); err != nil { return err }
//	defer c.Close()
//
//	defs, _ := c.DiscoverCommands(ctx)
//	for ev := range c.Events() {
//	    fmt.Println(ev.Content.Lines())
//	}
package discord
