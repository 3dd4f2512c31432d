// Package explorer ходит по командам игры: один раз узнаёт их список,
// затем по одной команде за цикл вызывает, ждёт ответ, разбирает и
// сохраняет. Цикл начинается только с lease Exploring от state.Machine.
package explorer

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
	defaultStaleThreshold = 3
	defaultCooldown       = 10 * time.Minute
	defaultTick           = 15 * time.Second
	defaultReplyTimeout   = 15 * time.Second
)

// Store — куда уходят результаты. Все методы идемпотентны по ключам.
type Store interface {
	UpsertShopItem(ctx context.Context, it parser.ShopItem) error
	UpsertGenericEntity(ctx context.Context, e parser.GenericEntity) error
	RecordCommandExecution(ctx context.Context, name string, at time.Time, success bool) error
	SaveCommand(ctx context.Context, e registry.Entry) error
	Commands(ctx context.Context) ([]registry.Entry, error)
}

type Discoverer interface {
	DiscoverCommands(ctx context.Context) ([]registry.CommandDefinition, error)
}

// Invoker — governor.Governor.
type Invoker interface {
	Invoke(ctx context.Context, tag state.BotState, inv transport.Invocation) (transport.Handle, error)
}

type Config struct {
	ChannelID          string                       `yaml:"-"`
	Targets            []string                     `yaml:"targets"`
	DefaultCooldown    time.Duration                `yaml:"default_cooldown"`
	Cooldowns          map[string]time.Duration     `yaml:"cooldowns,omitempty"`
	StaleThreshold     int                          `yaml:"stale_threshold"`
	TickInterval       time.Duration                `yaml:"tick_interval"`
	ReplyTimeout       time.Duration                `yaml:"reply_timeout"`
	DefaultSubcommands map[string]string            `yaml:"default_subcommands,omitempty"`
	Arguments          map[string]map[string]any    `yaml:"arguments,omitempty"`
	Domains            map[string]string            `yaml:"domains,omitempty"`
	Fallback           []registry.CommandDefinition `yaml:"fallback"`
}

type DiscoveryKind string

const (
	DiscoveryRateLimited DiscoveryKind = "rate_limited"
	DiscoveryFailed      DiscoveryKind = "failed"
)

type DiscoveryError struct {
	Kind DiscoveryKind
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s: %v", e.Kind, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

type Deps struct {
	Registry   *registry.Registry
	Discoverer Discoverer
	Invoker    Invoker
	Correlator *correlator.Correlator
	Parser     *parser.Parser
	Machine    *state.Machine
	Store      Store
	Log        *zap.Logger
	// Nonce — генератор nonce для вызовов; по умолчанию наносекунды.
	Nonce func() string
	Now   func() time.Time
}

type Explorer struct {
	cfg Config
	Deps

	discMu     sync.Mutex
	discovered bool
	restored   bool

	enabled atomic.Bool

	lastMu sync.Mutex
	last   CycleResult
}

func New(cfg Config, d Deps) *Explorer {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = defaultStaleThreshold
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = defaultCooldown
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTick
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	cfg.Cooldowns = lowerKeys(cfg.Cooldowns)
	cfg.DefaultSubcommands = lowerKeys(cfg.DefaultSubcommands)
	cfg.Arguments = lowerKeys(cfg.Arguments)
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Nonce == nil {
		d.Nonce = func() string { return strconv.FormatInt(time.Now().UnixNano(), 10) }
	}
	if d.Parser == nil {
		d.Parser = parser.New(cfg.Domains)
	}
	e := &Explorer{cfg: cfg, Deps: d}
	e.enabled.Store(true)
	return e
}

// Discover выполняется один раз за запуск; повторные вызовы отдают
// содержимое реестра. Refresh сбрасывает этот флаг.
func (e *Explorer) Discover(ctx context.Context) ([]registry.CommandDefinition, error) {
	e.discMu.Lock()
	defer e.discMu.Unlock()
	if e.discovered {
		return e.Registry.Definitions(), nil
	}
	e.discovered = true

	defs, err := e.Discoverer.DiscoverCommands(ctx)
	if err != nil {
		var rl *transport.RateLimitedError
		if errors.As(err, &rl) {
			added := e.Registry.MergeFallback(e.cfg.Fallback)
			if p, ok := e.Invoker.(interface{ Penalize(time.Duration) }); ok {
				p.Penalize(rl.RetryAfter)
			}
			e.Log.Warn("discovery outcome",
				zap.String("outcome", string(DiscoveryRateLimited)),
				zap.Int("fallback_added", added),
				zap.Int("count", e.Registry.Len()),
				zap.Error(err))
			e.restoreRegistry(ctx)
			e.persistRegistry(ctx)
			return e.Registry.Definitions(), &DiscoveryError{Kind: DiscoveryRateLimited, Err: err}
		}
		e.Log.Error("discovery outcome",
			zap.String("outcome", string(DiscoveryFailed)),
			zap.Int("count", e.Registry.Len()),
			zap.Error(err))
		return nil, &DiscoveryError{Kind: DiscoveryFailed, Err: err}
	}

	e.Registry.MergeDiscovered(defs, e.Now())
	e.Log.Info("discovery outcome",
		zap.String("outcome", "discovered"),
		zap.Int("count", len(defs)))
	e.restoreRegistry(ctx)
	e.persistRegistry(ctx)
	return e.Registry.Definitions(), nil
}

// Refresh — ручное повторное discovery.
func (e *Explorer) Refresh(ctx context.Context) ([]registry.CommandDefinition, error) {
	e.discMu.Lock()
	e.discovered = false
	e.discMu.Unlock()
	return e.Discover(ctx)
}

// Revalidate снимает stale с команды.
func (e *Explorer) Revalidate(ctx context.Context, name string) bool {
	root, _ := registry.SplitTarget(name)
	if !e.Registry.Revalidate(root) {
		return false
	}
	e.Log.Info("command revalidated", zap.String("command", root))
	if entry, ok := e.Registry.Get(root); ok {
		if err := e.Store.SaveCommand(ctx, entry); err != nil {
			e.Log.Warn("save command failed", zap.String("command", root), zap.Error(err))
		}
	}
	return true
}

func (e *Explorer) SetEnabled(v bool) { e.enabled.Store(v) }

func (e *Explorer) Enabled() bool { return e.enabled.Load() }

func (e *Explorer) LastResult() CycleResult {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.last
}

// Run: discovery, затем цикл по тикеру.
func (e *Explorer) Run(ctx context.Context) error {
	if _, err := e.Discover(ctx); err != nil {
		var de *DiscoveryError
		if !errors.As(err, &de) {
			return err
		}
	}

	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if !e.Enabled() || !e.HasWork() {
			continue
		}
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// restoreRegistry поднимает stale и счётчики из прошлого запуска, чтобы
// persistRegistry их не затёр. Только при первом discovery: дальше память свежее.
// Вызывается под discMu.
func (e *Explorer) restoreRegistry(ctx context.Context) {
	if e.restored {
		return
	}
	e.restored = true
	saved, err := e.Store.Commands(ctx)
	if err != nil {
		e.Log.Warn("load saved commands failed", zap.Error(err))
		return
	}
	if n := e.Registry.Restore(saved); n > 0 {
		e.Log.Info("command state restored", zap.Int("count", n))
	}
}

func (e *Explorer) persistRegistry(ctx context.Context) {
	for _, entry := range e.Registry.All() {
		if err := e.Store.SaveCommand(ctx, entry); err != nil {
			e.Log.Warn("save command failed", zap.String("command", entry.Name()), zap.Error(err))
		}
	}
}

func (e *Explorer) cooldownFor(target, root string) time.Duration {
	if d, ok := e.cfg.Cooldowns[target]; ok {
		return d
	}
	if d, ok := e.cfg.Cooldowns[root]; ok {
		return d
	}
	return e.cfg.DefaultCooldown
}

func lowerKeys[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.Join(strings.Fields(strings.ToLower(k)), " ")] = v
	}
	return out
}
