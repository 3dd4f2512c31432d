package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// opcodes gateway
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token        string            `json:"token"`
	Capabilities int               `json:"capabilities"`
	Properties   map[string]string `json:"properties"`
	Compress     bool              `json:"compress"`
}

// ========================= low-level =========================

// dial + Hello + heartbeat + Identify
func (c *Client) dialAndIdentify(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("Origin", "https://discord.com")

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.GatewayURL, h)
	if err != nil {
		return nil, fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	c.touchActivity()

	// первым кадром всегда приходит Hello
	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if hello.Op != opHello {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway: expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway: bad hello payload")
	}

	id := identifyData{
		Token:        c.cfg.Token,
		Capabilities: 16381,
		Compress:     false,
		Properties: map[string]string{
			"os":                 runtime.GOOS,
			"browser":            "Chrome",
			"device":             "",
			"system_locale":      "en-US",
			"browser_user_agent": c.cfg.UserAgent,
		},
	}
	if err := c.writeTo(conn, opIdentify, id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway identify: %w", err)
	}

	c.lastAck.Store(time.Now().UnixNano())
	c.startHeartbeat(conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond)
	return conn, nil
}

// writeTo пишет кадр в конкретное соединение строго под wmu + write-deadline.
func (c *Client) writeTo(conn *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(payload{Op: op, D: raw})
}

// безопасно закрыть текущее соединение
func (c *Client) closeConn() {
	c.stopHeartbeat()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(500*time.Millisecond))
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn
}

// startHeartbeat: первый удар через interval*jitter, дальше ровно по interval.
// Нет ACK за два интервала — соединение подвисло, закрываем: readLoop реконнектит.
func (c *Client) startHeartbeat(conn *websocket.Conn, interval time.Duration) {
	c.stopHeartbeat()
	stop := make(chan struct{})
	c.wmu.Lock()
	c.hbStop = stop
	c.wmu.Unlock()

	go func() {
		first := time.Duration(float64(interval) * rand.Float64())
		timer := time.NewTimer(first)
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-timer.C:
			}
			if time.Since(time.Unix(0, c.lastAck.Load())) > 2*interval {
				c.log.Warn("heartbeat ack missing, dropping connection")
				_ = conn.Close()
				return
			}
			var seq any
			if s := c.seq.Load(); s >= 0 {
				seq = s
			}
			if err := c.writeTo(conn, opHeartbeat, seq); err != nil {
				c.log.Debug("heartbeat write failed", zap.Error(err))
				return
			}
			timer.Reset(interval)
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// SinceLastActivity — сколько прошло с последнего кадра от gateway.
func (c *Client) SinceLastActivity() time.Duration {
	n := c.lastActivity.Load()
	if n == 0 {
		return time.Hour
	}
	return time.Since(time.Unix(0, n))
}
