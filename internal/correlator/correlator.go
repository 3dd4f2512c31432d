// Package correlator сопоставляет входящие сообщения с вызовами команд.
//
// Платформа не связывает ответ с запросом надёжно, поэтому сопоставление
// эвристическое: канал, автор, время, ссылка на interaction, если она есть.
// Каждое сообщение потребляется не более одного раза.
package correlator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/transport"
)

var (
	ErrTimeout           = errors.New("no reply before deadline")
	ErrSuperseded        = errors.New("superseded by a newer invocation")
	ErrCancelled         = errors.New("invocation cancelled")
	ErrInteractionFailed = errors.New("interaction rejected by platform")
)

const defaultConsumedCap = 1024

type Config struct {
	// GameAppID — автор ответов (id приложения игры).
	GameAppID string        `yaml:"game_app_id"`
	ClockSkew time.Duration `yaml:"clock_skew"`
	// ConsumedCap — сколько id потреблённых сообщений помнить.
	ConsumedCap int `yaml:"consumed_cap"`
}

// Pending — открытый вызов, ждущий ответа.
type Pending struct {
	Key         uuid.UUID
	CommandName string
	ChannelID   string
	Nonce       string
	IssuedAt    time.Time
	TimeoutAt   time.Time

	interactionID string
	result        chan outcome
}

type outcome struct {
	content transport.Content
	err     error
}

type Correlator struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	pending       []*Pending
	byCommand     map[string]*Pending
	consumed      map[string]struct{}
	consumedOrder []string

	now func() time.Time
}

func New(cfg Config, log *zap.Logger) *Correlator {
	if cfg.ConsumedCap <= 0 {
		cfg.ConsumedCap = defaultConsumedCap
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{
		cfg:       cfg,
		log:       log,
		byCommand: make(map[string]*Pending),
		consumed:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// Open регистрирует вызов. Открывать нужно ДО отправки, чтобы IssuedAt
// не оказался позже ответа. Предыдущий вызов той же команды вытесняется.
func (c *Correlator) Open(commandName, channelID, nonce string, timeout time.Duration) *Pending {
	now := c.now()
	p := &Pending{
		Key:         uuid.New(),
		CommandName: commandName,
		ChannelID:   channelID,
		Nonce:       nonce,
		IssuedAt:    now,
		TimeoutAt:   now.Add(timeout),
		result:      make(chan outcome, 1),
	}

	c.mu.Lock()
	k := strings.ToLower(commandName)
	if old, ok := c.byCommand[k]; ok {
		c.resolveLocked(old, outcome{err: ErrSuperseded})
	}
	c.pending = append(c.pending, p)
	c.byCommand[k] = p
	c.mu.Unlock()
	return p
}

// Bind запоминает interaction id, который платформа выдала для nonce.
func (c *Correlator) Bind(nonce, interactionID string) bool {
	if nonce == "" || interactionID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.Nonce == nonce {
			p.interactionID = interactionID
			return true
		}
	}
	return false
}

// Offer не блокирует. true — событие кому-то досталось.
func (c *Correlator) Offer(msg transport.IncomingMessage) bool {
	switch msg.Kind {
	case transport.EventInteractionAck:
		return c.Bind(msg.Nonce, msg.InteractionID)
	case transport.EventInteractionFailed:
		return c.fail(msg.Nonce)
	}

	if msg.Loading || msg.ID == "" {
		return false
	}
	if c.cfg.GameAppID != "" && msg.AuthorID != c.cfg.GameAppID {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.consumed[msg.ID]; seen {
		return false
	}
	c.expireLocked(c.now())

	for _, p := range c.pending {
		if !c.matches(p, msg) {
			continue
		}
		c.markConsumedLocked(msg.ID)
		content := msg.Content
		if content.MessageID == "" {
			content.MessageID = msg.ID
		}
		c.resolveLocked(p, outcome{content: content})
		c.log.Debug("reply matched",
			zap.String("command", p.CommandName),
			zap.String("message_id", msg.ID),
			zap.Duration("latency", c.now().Sub(p.IssuedAt)))
		return true
	}
	return false
}

func (c *Correlator) matches(p *Pending, msg transport.IncomingMessage) bool {
	if p.ChannelID != "" && msg.ChannelID != p.ChannelID {
		return false
	}
	if !msg.Timestamp.IsZero() && msg.Timestamp.Before(p.IssuedAt.Add(-c.cfg.ClockSkew)) {
		return false
	}
	if msg.Nonce != "" && p.Nonce != "" {
		return msg.Nonce == p.Nonce
	}
	if msg.InteractionID != "" && p.interactionID != "" {
		return msg.InteractionID == p.interactionID
	}
	if msg.InteractionName != "" {
		return strings.EqualFold(rootWord(msg.InteractionName), rootWord(p.CommandName))
	}
	return true
}

// Await ждёт ответа, таймаута, вытеснения или отмены ctx.
func (c *Correlator) Await(ctx context.Context, p *Pending) (transport.Content, error) {
	timer := time.NewTimer(time.Until(p.TimeoutAt))
	defer timer.Stop()

	select {
	case out := <-p.result:
		return out.content, out.err
	case <-timer.C:
		c.resolve(p, outcome{err: ErrTimeout})
	case <-ctx.Done():
		c.resolve(p, outcome{err: ctx.Err()})
	}
	// результат мог успеть прийти раньше нашего resolve
	out := <-p.result
	return out.content, out.err
}

func (c *Correlator) Cancel(p *Pending) {
	c.resolve(p, outcome{err: ErrCancelled})
}

// CancelAll снимает все открытые вызовы (капча).
func (c *Correlator) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for len(c.pending) > 0 {
		c.resolveLocked(c.pending[0], outcome{err: ErrCancelled})
	}
	return n
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) fail(nonce string) bool {
	if nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.Nonce == nonce {
			c.resolveLocked(p, outcome{err: ErrInteractionFailed})
			return true
		}
	}
	return false
}

func (c *Correlator) resolve(p *Pending, out outcome) {
	c.mu.Lock()
	c.resolveLocked(p, out)
	c.mu.Unlock()
}

// resolveLocked удаляет p из очереди и отдаёт результат. Повторный вызов
// для уже снятого p ничего не делает.
func (c *Correlator) resolveLocked(p *Pending, out outcome) {
	idx := -1
	for i, q := range c.pending {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	k := strings.ToLower(p.CommandName)
	if c.byCommand[k] == p {
		delete(c.byCommand, k)
	}
	p.result <- out
}

// expireLocked снимает просроченные вызовы, которые никто не ждёт.
func (c *Correlator) expireLocked(now time.Time) {
	for i := 0; i < len(c.pending); {
		p := c.pending[i]
		if now.After(p.TimeoutAt) {
			c.resolveLocked(p, outcome{err: ErrTimeout})
			continue
		}
		i++
	}
}

func (c *Correlator) markConsumedLocked(id string) {
	c.consumed[id] = struct{}{}
	c.consumedOrder = append(c.consumedOrder, id)
	if len(c.consumedOrder) > c.cfg.ConsumedCap {
		delete(c.consumed, c.consumedOrder[0])
		c.consumedOrder = c.consumedOrder[1:]
	}
}

func rootWord(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return ""
}
