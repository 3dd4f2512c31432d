package fishing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/correlator"
	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/transport"
)

const (
	defaultCommand      = "fish"
	defaultBaseCooldown = 3 * time.Second
	defaultReplyTimeout = 15 * time.Second
	// пока бот занят (капча, разведка) — проверяем снова через idleWait
	idleWait = 2 * time.Second
)

var ErrNoCommand = errors.New("fish command is not in the registry")

type Config struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Command      string        `yaml:"command"`
	BaseCooldown time.Duration `yaml:"base_cooldown"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	ChannelID    string        `yaml:"-"`
}

// Invoker — governor.Governor.
type Invoker interface {
	Invoke(ctx context.Context, tag state.BotState, inv transport.Invocation) (transport.Handle, error)
}

// CatchLog — куда пишутся уловы и кулдауны.
type CatchLog interface {
	LogCatch(ctx context.Context, c parser.Catch, at time.Time) error
	LogCooldown(ctx context.Context, wait time.Duration, at time.Time) error
}

type Deps struct {
	Registry   *registry.Registry
	Invoker    Invoker
	Correlator *correlator.Correlator
	Machine    *state.Machine
	Store      CatchLog
	Log        *zap.Logger
	Nonce      func() string
	Now        func() time.Time
}

type Outcome string

const (
	OutcomeCaught      Outcome = "caught"
	OutcomeCooldown    Outcome = "cooldown"
	OutcomeCaptcha     Outcome = "captcha"
	OutcomeUnknown     Outcome = "unknown"
	OutcomeBusy        Outcome = "busy"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomePreempted   Outcome = "preempted"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

type CastResult struct {
	Outcome Outcome
	Catch   parser.Catch
	// Wait — сколько игра просит подождать (для OutcomeCooldown).
	Wait time.Duration
	Err  error
}

// Fisher — цикл рыбалки. Запускается и останавливается оператором
// (Start/Stop), каждый заброс берёт lease Fishing у машины состояний.
type Fisher struct {
	cfg Config
	Deps
	cooldown *CooldownManager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	casts   atomic.Uint64
	catches atomic.Uint64
	hits    atomic.Uint64
}

func New(cfg Config, d Deps) *Fisher {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = defaultBaseCooldown
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Nonce == nil {
		d.Nonce = func() string { return strconv.FormatInt(time.Now().UnixNano(), 10) }
	}
	return &Fisher{cfg: cfg, Deps: d, cooldown: NewCooldownManager(cfg.BaseCooldown)}
}

func (f *Fisher) Cooldown() *CooldownManager { return f.cooldown }

// Start запускает цикл; повторный вызов ничего не делает.
func (f *Fisher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running = true

	go f.loop(lctx, f.done)
	f.Log.Info("fishing started", zap.String("command", f.cfg.Command))
}

// Stop останавливает цикл и ждёт его выхода.
func (f *Fisher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	cancel()
	<-done
	f.Log.Info("fishing stopped")
}

func (f *Fisher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type Stats struct {
	Casts    uint64        `json:"casts"`
	Catches  uint64        `json:"catches"`
	Hits     uint64        `json:"cooldown_hits"`
	Estimate time.Duration `json:"cooldown_estimate"`
}

func (f *Fisher) Stats() Stats {
	return Stats{
		Casts:    f.casts.Load(),
		Catches:  f.catches.Load(),
		Hits:     f.hits.Load(),
		Estimate: f.cooldown.Estimate(),
	}
}

// loop живёт, пока не вызовут Stop() или не отменят родительский ctx.
func (f *Fisher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		res := f.Cast(ctx)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		switch res.Outcome {
		case OutcomeBusy, OutcomePreempted, OutcomeCaptcha:
			wait = idleWait
		case OutcomeCooldown:
			wait = max(res.Wait, f.cooldown.SleepTime())
		default:
			wait = f.cooldown.SleepTime()
		}
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			f.Log.Warn("cast failed", zap.String("outcome", string(res.Outcome)), zap.Error(res.Err))
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Cast — один заброс: lease → вызов через governor → ответ → разбор.
func (f *Fisher) Cast(ctx context.Context) CastResult {
	lease, ok := f.Machine.TryAcquire(ctx, state.Fishing)
	if !ok {
		return CastResult{Outcome: OutcomeBusy}
	}
	defer lease.Release()
	lctx := lease.Context()

	entry, ok := f.Registry.Get(f.cfg.Command)
	if !ok {
		return CastResult{Outcome: OutcomeFailed, Err: ErrNoCommand}
	}
	inv := transport.Invocation{
		CommandID: entry.Definition.ID,
		Version:   entry.Definition.Version,
		Name:      entry.Definition.Name,
		ChannelID: f.cfg.ChannelID,
		Nonce:     f.Nonce(),
	}
	if !entry.Definition.RootInvokable() {
		path := strings.Fields(entry.DefaultSubcommand)
		if len(path) == 0 {
			path = entry.Definition.FirstPath()
		}
		inv.Path = path
	}

	f.casts.Add(1)
	pending := f.Correlator.Open(inv.FullName(), f.cfg.ChannelID, inv.Nonce, f.cfg.ReplyTimeout)
	if _, err := f.Invoker.Invoke(lctx, state.Fishing, inv); err != nil {
		f.Correlator.Cancel(pending)
		var rl *transport.RateLimitedError
		switch {
		case lctx.Err() != nil:
			return CastResult{Outcome: OutcomePreempted, Err: err}
		case errors.As(err, &rl):
			return CastResult{Outcome: OutcomeRateLimited, Err: err}
		}
		return CastResult{Outcome: OutcomeFailed, Err: fmt.Errorf("cast: %w", err)}
	}

	content, err := f.Correlator.Await(lctx, pending)
	if err != nil {
		switch {
		case errors.Is(err, correlator.ErrTimeout):
			return CastResult{Outcome: OutcomeTimedOut, Err: err}
		case lctx.Err() != nil, errors.Is(err, correlator.ErrCancelled):
			return CastResult{Outcome: OutcomePreempted, Err: err}
		}
		return CastResult{Outcome: OutcomeFailed, Err: err}
	}
	if lease.Preempted() {
		return CastResult{Outcome: OutcomePreempted}
	}
	return f.handleReply(ctx, content)
}

func (f *Fisher) handleReply(ctx context.Context, content transport.Content) CastResult {
	now := f.Now()
	text := strings.Join(content.Lines(), "\n")

	if cd, ok := parser.ParseCooldown(text); ok {
		f.hits.Add(1)
		f.cooldown.ReportHit(cd.Total)
		f.Log.Warn("cooldown hit",
			zap.Duration("wait", cd.Wait),
			zap.Int("consecutive", f.cooldown.ConsecutiveHits()),
			zap.Duration("estimate", f.cooldown.Estimate()))
		if f.Store != nil {
			if err := f.Store.LogCooldown(ctx, cd.Wait, now); err != nil {
				f.Log.Warn("log cooldown failed", zap.Error(err))
			}
		}
		return CastResult{Outcome: OutcomeCooldown, Wait: cd.Wait}
	}

	if _, ok := parser.DetectCaptcha(content); ok {
		return CastResult{Outcome: OutcomeCaptcha}
	}

	catch, ok := parser.ParseCatch(text)
	if !ok {
		f.Log.Debug("unrecognized fishing reply", zap.String("text", text))
		return CastResult{Outcome: OutcomeUnknown}
	}
	f.catches.Add(1)
	f.cooldown.ReportSuccess()
	f.Log.Info("catch", zap.Int("kinds", len(catch.Fish)), zap.Int64("xp", catch.XP))
	if f.Store != nil {
		if err := f.Store.LogCatch(ctx, catch, now); err != nil {
			f.Log.Warn("log catch failed", zap.Error(err))
		}
	}
	return CastResult{Outcome: OutcomeCaught, Catch: catch}
}
