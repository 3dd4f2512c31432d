package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EgorLis/Fishbot/internal/config"
	"github.com/EgorLis/Fishbot/internal/correlator"
	"github.com/EgorLis/Fishbot/internal/explorer"
	"github.com/EgorLis/Fishbot/internal/fishing"
	"github.com/EgorLis/Fishbot/internal/governor"
	"github.com/EgorLis/Fishbot/internal/ocr"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/scheduler"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/store"
	"github.com/EgorLis/Fishbot/internal/transport"
)

// Transport — то, что бот требует от клиента платформы сверх transport.Transport.
type Transport interface {
	transport.Transport
	Connect(ctx context.Context) error
	Close()
	// UserID — наш аккаунт; его сообщения с "!" — команды оператора.
	UserID() string
	NewNonce() string
}

type Bot struct {
	cfg   config.Config
	log   *zap.Logger
	tr    Transport
	store store.Store

	Registry   *registry.Registry
	Machine    *state.Machine
	Governor   *governor.Governor
	Correlator *correlator.Correlator
	Explorer   *explorer.Explorer
	Fisher     *fishing.Fisher
	OCR        *ocr.Client
	Scheduler  *scheduler.Scheduler

	captcha captchaState
	profile profileState

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	runCtx    context.Context
	startedAt time.Time

	// обработчики команд оператора
	cmdWG sync.WaitGroup
}

// New собирает все компоненты; сеть не трогает до Start.
func New(cfg config.Config, tr Transport, st store.Store, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bot{
		cfg:      cfg,
		log:      log,
		tr:       tr,
		store:    st,
		Registry: registry.New(),
		Machine:  state.NewMachine(),
		OCR:      ocr.NewClientFromConf(cfg.Captcha.OCR, log.Named("ocr")),
	}
	b.Governor = governor.New(cfg.Rate, tr, b.Machine.State, log.Named("governor"))
	b.Correlator = correlator.New(cfg.Correlation, log.Named("correlator"))
	b.Explorer = explorer.New(cfg.Explorer, explorer.Deps{
		Registry:   b.Registry,
		Discoverer: b.Governor.GateDiscovery(tr),
		Invoker:    b.Governor,
		Correlator: b.Correlator,
		Machine:    b.Machine,
		Store:      st,
		Log:        log.Named("explorer"),
		Nonce:      tr.NewNonce,
	})
	b.Fisher = fishing.New(cfg.Fishing, fishing.Deps{
		Registry:   b.Registry,
		Invoker:    b.Governor,
		Correlator: b.Correlator,
		Machine:    b.Machine,
		Store:      st,
		Log:        log.Named("fishing"),
		Nonce:      tr.NewNonce,
	})
	b.Scheduler = scheduler.New(cfg.Schedule, b.Explorer, log.Named("scheduler"))
	b.captcha.sound = b.soundCallback(cfg.Captcha.Sound)

	b.Machine.Subscribe(func(from, to state.BotState) {
		b.log.Info("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	})
	return b
}

// Start подключается к gateway и запускает фоновые циклы.
// Ошибка подключения возвращается сразу.
func (b *Bot) Start(ctx context.Context) error {
	if b == nil {
		return errors.New("bot is not initialized")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return errors.New("bot is already running")
	}
	if !b.startedAt.IsZero() {
		// governor и gateway одноразовые
		return errors.New("bot cannot be restarted, create a new one")
	}

	if err := b.tr.Connect(ctx); err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.runCtx = gctx
	b.startedAt = time.Now()

	g.Go(func() error { return b.Governor.Run(gctx) })
	g.Go(func() error { return b.listen(gctx) })
	g.Go(func() error { return b.Explorer.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		b.Fisher.Stop()
		b.stopReminder()
		return nil
	})
	if b.Scheduler.Enabled() {
		g.Go(func() error { return b.Scheduler.Run(gctx) })
	}
	if b.cfg.Fishing.Enabled {
		b.Fisher.Start(gctx)
	}

	go func(done chan struct{}) {
		err := g.Wait()
		b.cmdWG.Wait()
		b.tr.Close()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		b.mu.Lock()
		b.runErr = err
		b.mu.Unlock()
		if err != nil {
			b.log.Error("bot stopped", zap.Error(err))
		}
		close(done)
	}(b.done)

	b.log.Info("bot started",
		zap.String("channel", b.cfg.Discord.ChannelID),
		zap.Bool("fishing", b.cfg.Fishing.Enabled))
	return nil
}

// Done закрывается, когда все циклы бота завершились.
func (b *Bot) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Stop останавливает бота и ждёт фоновые горутины. Повторный вызов безопасен.
func (b *Bot) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil || done == nil {
		return nil
	}
	cancel()
	<-done

	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = nil
	b.runCtx = nil
	return b.runErr
}

// running отдаёт context текущего запуска.
func (b *Bot) running() (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx == nil || b.runCtx.Err() != nil {
		return nil, false
	}
	return b.runCtx, true
}

// listen — единственный читатель потока событий. Ничего не блокирует надолго:
// команды оператора уходят в отдельные горутины.
func (b *Bot) listen(ctx context.Context) error {
	events := b.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("transport event stream closed")
			}
			b.handleEvent(ctx, msg)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, msg transport.IncomingMessage) {
	if msg.Kind != transport.EventMessage {
		b.Correlator.Offer(msg)
		return
	}
	if msg.ChannelID != b.cfg.Discord.ChannelID {
		return
	}

	if self := b.tr.UserID(); self != "" && msg.AuthorID == self {
		text := strings.TrimSpace(msg.Content.Text)
		if msg.Edited || !strings.HasPrefix(text, "!") {
			return
		}
		b.log.Info("operator command", zap.String("text", text))
		b.cmdWG.Add(1)
		go func() {
			defer b.cmdWG.Done()
			if err := b.HandleCommand(ctx, text); err != nil {
				b.say(ctx, fmt.Sprintf("err: %v", err))
			}
		}()
		return
	}

	if msg.AuthorID != b.cfg.Correlation.GameAppID || msg.Loading {
		return
	}
	// капча не может быть ответом на вызов: сначала вытесняем, в correlator не отдаём
	if b.inspectCaptcha(ctx, msg.Content) {
		return
	}
	b.trackProfile(msg.Content)
	b.Correlator.Offer(msg)
}

// say пишет в канал бота с префиксом [bot], чтобы ответы не принимались за команды.
// Сообщение тоже идёт через governor.
func (b *Bot) say(ctx context.Context, text string) {
	err := b.Governor.Do(ctx, "say", b.Machine.State(), func(ctx context.Context) error {
		return b.tr.Say(ctx, b.cfg.Discord.ChannelID, "[bot] "+text)
	})
	if err != nil {
		b.log.Warn("say failed", zap.Error(err))
	}
}

// sayAsync — say для listener'а, который ждать не может.
func (b *Bot) sayAsync(ctx context.Context, text string) {
	b.cmdWG.Add(1)
	go func() {
		defer b.cmdWG.Done()
		b.say(ctx, text)
	}()
}
