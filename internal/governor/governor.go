// Package governor — единственные ворота к транспорту. Все вызовы команд
// (исследование, рыбалка, капча) проходят через одну очередь: бюджет
// токенов, минимальный интервал, пауза после 429, приоритет по состоянию бота.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/transport"
)

var ErrStopped = errors.New("governor stopped")

type Config struct {
	Tokens         int           `yaml:"tokens"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	MinInterval    time.Duration `yaml:"min_interval"`
	CooldownOn429  time.Duration `yaml:"cooldown_on_429"`
}

// Invoker — то, что governor умеет вызывать. transport.Transport подходит.
type Invoker interface {
	Invoke(ctx context.Context, inv transport.Invocation) (transport.Handle, error)
}

// Permit — выданный слот.
type Permit struct {
	Command   string
	Tag       state.BotState
	GrantedAt time.Time
}

type waiter struct {
	cmd   string
	tag   state.BotState
	ready chan Permit
}

type Governor struct {
	cfg     Config
	lim     *rate.Limiter
	inv     Invoker
	current func() state.BotState
	log     *zap.Logger

	mu            sync.Mutex
	queue         []*waiter
	lastGrant     time.Time
	cooldownUntil time.Time
	granted       uint64

	wake chan struct{}
	done chan struct{}
	stop sync.Once
}

// New. current сообщает текущее состояние бота для приоритета; может быть nil.
func New(cfg Config, inv Invoker, current func() state.BotState, log *zap.Logger) *Governor {
	if cfg.Tokens <= 0 {
		cfg.Tokens = 1
	}
	if cfg.CooldownOn429 <= 0 {
		cfg.CooldownOn429 = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RefillInterval > 0 {
		limit = rate.Every(cfg.RefillInterval)
	}
	if current == nil {
		current = func() state.BotState { return state.Idle }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		cfg:     cfg,
		lim:     rate.NewLimiter(limit, cfg.Tokens),
		inv:     inv,
		current: current,
		log:     log,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Schedule ждёт слот. Отмена ctx снимает вызывающего с очереди.
func (g *Governor) Schedule(ctx context.Context, command string, tag state.BotState) (Permit, error) {
	w := &waiter{cmd: command, tag: tag, ready: make(chan Permit, 1)}

	g.mu.Lock()
	g.queue = append(g.queue, w)
	g.mu.Unlock()
	g.signal()

	select {
	case p := <-w.ready:
		return p, nil
	case <-ctx.Done():
		g.abandon(w)
		return Permit{}, ctx.Err()
	case <-g.done:
		g.abandon(w)
		return Permit{}, ErrStopped
	}
}

// Invoke — Schedule + вызов транспорта. 429 переводит governor в паузу.
func (g *Governor) Invoke(ctx context.Context, tag state.BotState, inv transport.Invocation) (transport.Handle, error) {
	var h transport.Handle
	err := g.Do(ctx, inv.FullName(), tag, func(ctx context.Context) error {
		var err error
		h, err = g.inv.Invoke(ctx, inv)
		return err
	})
	return h, err
}

// Do — Schedule + любой другой запрос к платформе (discovery, сообщение
// в канал). fn вызывается только после выдачи слота.
func (g *Governor) Do(ctx context.Context, command string, tag state.BotState, fn func(ctx context.Context) error) error {
	if _, err := g.Schedule(ctx, command, tag); err != nil {
		return fmt.Errorf("schedule %q: %w", command, err)
	}
	err := fn(ctx)
	var rl *transport.RateLimitedError
	if errors.As(err, &rl) {
		g.Penalize(rl.RetryAfter)
	}
	return err
}

// Discoverer — источник списка команд (transport.Transport).
type Discoverer interface {
	DiscoverCommands(ctx context.Context) ([]registry.CommandDefinition, error)
}

type gatedDiscoverer struct {
	g *Governor
	d Discoverer
}

// GateDiscovery пускает discovery через ту же очередь, что и вызовы команд.
func (g *Governor) GateDiscovery(d Discoverer) Discoverer {
	return gatedDiscoverer{g: g, d: d}
}

func (gd gatedDiscoverer) DiscoverCommands(ctx context.Context) ([]registry.CommandDefinition, error) {
	var defs []registry.CommandDefinition
	err := gd.g.Do(ctx, "discover", state.Exploring, func(ctx context.Context) error {
		var err error
		defs, err = gd.d.DiscoverCommands(ctx)
		return err
	})
	return defs, err
}

// Penalize — явный сигнал rate limit. Пауза только продлевается.
func (g *Governor) Penalize(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = g.cfg.CooldownOn429
	}
	until := time.Now().Add(retryAfter)

	g.mu.Lock()
	extended := until.After(g.cooldownUntil)
	if extended {
		g.cooldownUntil = until
	}
	g.mu.Unlock()

	if extended {
		g.log.Warn("rate limited, cooling down", zap.Duration("retry_after", retryAfter))
	}
	g.signal()
}

// CooldownRemaining — сколько осталось до конца паузы после 429.
func (g *Governor) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := time.Until(g.cooldownUntil); d > 0 {
		return d
	}
	return 0
}

// Pending — длина очереди.
func (g *Governor) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Governor) Granted() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

// Run — диспетчер. Один на governor; выход по ctx.
func (g *Governor) Run(ctx context.Context) error {
	defer g.stop.Do(func() { close(g.done) })

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		delay, granted := g.tryGrant(time.Now())
		if granted {
			continue
		}
		var timerC <-chan time.Time
		if delay > 0 {
			timer.Reset(delay)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.wake:
		case <-timerC:
		}
		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// tryGrant выдаёт не больше одного слота. Если выдавать рано — возвращает,
// сколько ждать (0 — ждать сигнала).
func (g *Governor) tryGrant(now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.queue) == 0 {
		return 0, false
	}
	if now.Before(g.cooldownUntil) {
		return g.cooldownUntil.Sub(now), false
	}
	if !g.lastGrant.IsZero() {
		if since := now.Sub(g.lastGrant); since < g.cfg.MinInterval {
			return g.cfg.MinInterval - since, false
		}
	}
	r := g.lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}

	idx := 0
	cur := g.current()
	for i, w := range g.queue {
		if w.tag == cur {
			idx = i
			break
		}
	}
	w := g.queue[idx]
	g.queue = append(g.queue[:idx], g.queue[idx+1:]...)
	g.lastGrant = now
	g.granted++
	w.ready <- Permit{Command: w.cmd, Tag: w.tag, GrantedAt: now}

	g.log.Debug("permit granted",
		zap.String("command", w.cmd),
		zap.String("tag", string(w.tag)),
		zap.Int("queued", len(g.queue)))
	return 0, true
}

func (g *Governor) abandon(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
	// слот уже выдан, но не нужен
	select {
	case <-w.ready:
	default:
	}
}

func (g *Governor) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}
