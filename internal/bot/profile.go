package bot

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/transport"
)

// ProfileStatus — последние известные баланс, уровень и биом.
type ProfileStatus struct {
	Balance   *uint64   `json:"balance,omitempty"`
	Level     *int      `json:"level,omitempty"`
	Biome     string    `json:"biome,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type profileState struct {
	mu sync.Mutex
	ProfileStatus
}

// trackProfile вытаскивает поля профиля из любого ответа игры.
// Баланс бывает и в ответах /fish и /sell, не только в /profile.
func (b *Bot) trackProfile(c transport.Content) {
	p := parser.ParseProfile(strings.Join(c.Lines(), "\n"))
	if p.Balance == nil && p.Level == nil && p.Biome == "" {
		return
	}
	b.profile.mu.Lock()
	defer b.profile.mu.Unlock()
	if p.Balance != nil {
		b.profile.Balance = p.Balance
	}
	if p.Level != nil {
		b.profile.Level = p.Level
	}
	if p.Biome != "" {
		b.profile.Biome = p.Biome
	}
	b.profile.UpdatedAt = time.Now()
	b.log.Debug("profile updated",
		zap.Uint64p("balance", p.Balance),
		zap.Intp("level", p.Level),
		zap.String("biome", p.Biome))
}

func (b *Bot) Profile() ProfileStatus {
	b.profile.mu.Lock()
	defer b.profile.mu.Unlock()
	return b.profile.ProfileStatus
}
