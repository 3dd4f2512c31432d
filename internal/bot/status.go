package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/explorer"
	"github.com/EgorLis/Fishbot/internal/fishing"
	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/scheduler"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/store"
)

type CommandStatus struct {
	Name                string          `json:"name"`
	Source              registry.Source `json:"source"`
	Stale               bool            `json:"stale"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastExecutedAt      time.Time       `json:"last_executed_at,omitempty"`
	DefaultSubcommand   string          `json:"default_subcommand,omitempty"`
}

type GovernorStatus struct {
	Pending  int           `json:"pending"`
	Granted  uint64        `json:"granted"`
	Cooldown time.Duration `json:"cooldown_remaining"`
}

// Status — снимок для !status и GET /status.
type Status struct {
	State           state.BotState         `json:"state"`
	Uptime          time.Duration          `json:"uptime"`
	Commands        []CommandStatus        `json:"commands"`
	ExplorerEnabled bool                   `json:"explorer_enabled"`
	LastCycle       explorer.CycleResult   `json:"last_cycle"`
	FishingRunning  bool                   `json:"fishing_running"`
	Fishing         fishing.Stats          `json:"fishing"`
	Governor        GovernorStatus         `json:"governor"`
	PendingReplies  int                    `json:"pending_replies"`
	Captcha         CaptchaStatus          `json:"captcha"`
	Schedule        []scheduler.TaskStatus `json:"schedule"`
	Profile         ProfileStatus          `json:"profile"`
	Store           store.Stats            `json:"store"`
}

func (b *Bot) Status(ctx context.Context) Status {
	st := Status{
		State:           b.Machine.State(),
		ExplorerEnabled: b.Explorer.Enabled(),
		LastCycle:       b.Explorer.LastResult(),
		FishingRunning:  b.Fisher.Running(),
		Fishing:         b.Fisher.Stats(),
		Governor: GovernorStatus{
			Pending:  b.Governor.Pending(),
			Granted:  b.Governor.Granted(),
			Cooldown: b.Governor.CooldownRemaining(),
		},
		PendingReplies: b.Correlator.Len(),
		Captcha:        b.CaptchaStatus(),
		Profile:        b.Profile(),
	}
	if b.Scheduler.Enabled() {
		st.Schedule = b.Scheduler.Status()
	}
	b.mu.Lock()
	if !b.startedAt.IsZero() {
		st.Uptime = time.Since(b.startedAt).Truncate(time.Second)
	}
	b.mu.Unlock()

	for _, e := range b.Registry.All() {
		st.Commands = append(st.Commands, CommandStatus{
			Name:                e.Name(),
			Source:              e.Source,
			Stale:               e.Stale,
			ConsecutiveFailures: e.ConsecutiveFailures,
			LastExecutedAt:      e.LastExecutedAt,
			DefaultSubcommand:   e.DefaultSubcommand,
		})
	}

	if b.store != nil {
		s, err := b.store.Stats(ctx)
		if err != nil {
			b.log.Warn("store stats failed", zap.Error(err))
		}
		st.Store = s
	}
	return st
}

// Refresh — повторное discovery по запросу оператора.
func (b *Bot) Refresh(ctx context.Context) (int, error) {
	defs, err := b.Explorer.Refresh(ctx)
	return len(defs), err
}

func (b *Bot) Revalidate(ctx context.Context, name string) bool {
	return b.Explorer.Revalidate(ctx, name)
}

func (b *Bot) ShopItems(ctx context.Context) ([]parser.ShopItem, error) {
	return b.store.ShopItems(ctx)
}

// SetFishing включает и выключает цикл рыбалки.
func (b *Bot) SetFishing(on bool) error {
	if !on {
		b.Fisher.Stop()
		return nil
	}
	ctx, ok := b.running()
	if !ok {
		return errors.New("bot is not running")
	}
	b.Fisher.Start(ctx)
	return nil
}
