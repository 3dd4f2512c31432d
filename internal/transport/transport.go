// Package transport описывает контракт между ядром бота и платформой:
// вызов команд, поток входящих сообщений и типизированные ошибки.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/EgorLis/Fishbot/internal/registry"
)

// Transport — внешний клиент платформы. Поток Events бесконечный и не
// перезапускается: переподключение — забота реализации.
type Transport interface {
	DiscoverCommands(ctx context.Context) ([]registry.CommandDefinition, error)
	Invoke(ctx context.Context, inv Invocation) (Handle, error)
	Events() <-chan IncomingMessage
	Say(ctx context.Context, channelID, text string) error
}

// Arg — значение опции вызова.
type Arg struct {
	Name  string
	Kind  registry.OptionKind
	Value any
}

// Invocation — один вызов slash-команды.
type Invocation struct {
	CommandID string
	Version   string
	Name      string
	// Path — подкоманды: ["view"] или ["manage", "kick"].
	Path      []string
	Args      []Arg
	ChannelID string
	Nonce     string
}

// FullName — "prestige shop" — так же, как платформа подписывает ответ.
func (inv Invocation) FullName() string {
	name := inv.Name
	for _, p := range inv.Path {
		name += " " + p
	}
	return name
}

type Handle struct {
	Nonce    string
	IssuedAt time.Time
}

// RateLimitedError — явный сигнал 429 от платформы.
type RateLimitedError struct {
	RetryAfter time.Duration
	Bucket     string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// StructuralMismatchError — сервис отверг сам вызов: форма аргументов
// или версия команды не совпадает с тем, что мы отправили.
type StructuralMismatchError struct {
	Status  int
	Code    int
	Message string
}

func (e *StructuralMismatchError) Error() string {
	return fmt.Sprintf("structural mismatch: status=%d code=%d: %s", e.Status, e.Code, e.Message)
}
