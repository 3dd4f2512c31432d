package discord

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/transport"
)

var errReconnectRequested = errors.New("gateway asked to reconnect")

type readyData struct {
	SessionID string `json:"session_id"`
	User      struct {
		ID string `json:"id"`
	} `json:"user"`
}

type interactionData struct {
	ID    string `json:"id"`
	Nonce string `json:"nonce"`
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.closed.Store(true)
		c.closeConn()
		close(c.events)
		if c.OnDisconnected != nil {
			c.OnDisconnected()
		}
	}()

	// закрыть по отмене контекста
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()

	for {
		if err := c.readConn(ctx); err != nil && !c.closed.Load() && ctx.Err() == nil {
			c.log.Warn("gateway connection lost", zap.Error(err))
		}
		if c.closed.Load() || ctx.Err() != nil {
			return
		}
		c.closeConn()

		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect переподключается с экспоненциальным backoff. false — ctx отменён
// или исчерпаны ReconnectAttempts; тогда readLoop закрывает Events().
func (c *Client) reconnect(ctx context.Context) bool {
	backoff := c.reconnectWait
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		conn, err := c.dialAndIdentify(ctx)
		if err != nil {
			c.log.Warn("gateway reconnect failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.ReconnectAttempts),
				zap.Duration("wait", backoff),
				zap.Error(err))
			backoff = min(backoff*2, maxReconnectWait)
			continue
		}
		c.wmu.Lock()
		c.conn = conn
		c.wmu.Unlock()
		c.log.Info("gateway reconnected", zap.Int("attempt", attempt))
		return true
	}
	c.log.Error("gateway reconnect attempts exhausted", zap.Int("attempts", c.cfg.ReconnectAttempts))
	return false
}

// readConn читает текущее соединение до первой ошибки.
func (c *Client) readConn(ctx context.Context) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return err
		}
		c.touchActivity()

		switch p.Op {
		case opDispatch:
			if p.S != nil {
				c.seq.Store(*p.S)
			}
			c.dispatch(ctx, p.T, p.D)
		case opHeartbeatAck:
			c.lastAck.Store(time.Now().UnixNano())
		case opHeartbeat:
			var seq any
			if s := c.seq.Load(); s >= 0 {
				seq = s
			}
			_ = c.writeTo(conn, opHeartbeat, seq)
		case opReconnect, opInvalidSession:
			return errReconnectRequested
		}
	}
}

func (c *Client) dispatch(ctx context.Context, typ string, d json.RawMessage) {
	switch typ {
	case "READY":
		var r readyData
		if err := json.Unmarshal(d, &r); err != nil {
			c.log.Warn("bad READY payload", zap.Error(err))
			return
		}
		c.sessMu.Lock()
		c.sessionID = r.SessionID
		c.userID = r.User.ID
		c.sessMu.Unlock()
		c.log.Info("gateway ready", zap.String("session_id", r.SessionID), zap.String("user_id", r.User.ID))
		c.readyOnce.Do(func() { close(c.ready) })

	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		var m discordgo.Message
		if err := json.Unmarshal(d, &m); err != nil {
			c.log.Debug("bad message payload", zap.String("type", typ), zap.Error(err))
			return
		}
		if c.cfg.ChannelID != "" && m.ChannelID != c.cfg.ChannelID {
			return
		}
		c.emit(ctx, convertMessage(&m, typ == "MESSAGE_UPDATE"))

	case "INTERACTION_SUCCESS", "INTERACTION_FAILURE":
		var in interactionData
		if err := json.Unmarshal(d, &in); err != nil {
			return
		}
		kind := transport.EventInteractionAck
		if typ == "INTERACTION_FAILURE" {
			kind = transport.EventInteractionFailed
		}
		c.emit(ctx, transport.IncomingMessage{Kind: kind, InteractionID: in.ID, Nonce: in.Nonce, Timestamp: time.Now()})
	}
}

// emit ждёт место в буфере, но не дольше жизни ctx.
func (c *Client) emit(ctx context.Context, m transport.IncomingMessage) {
	select {
	case c.events <- m:
	case <-ctx.Done():
	}
}
