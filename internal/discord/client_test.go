package discord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/transport"
)

func newRESTClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{Token: "tok", GuildID: "g1", ChannelID: "c1", APIBase: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestDiscoverCommandsFiltersGame(t *testing.T) {
	c := newRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/guilds/g1/application-command-index", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"application_commands":[
			{"id":"1","application_id":"574652751745777665","version":"3","name":"fish","type":1},
			{"id":"2","application_id":"999","version":"1","name":"play","type":1},
			{"id":"3","application_id":"574652751745777665","version":"5","name":"shop","type":1,
			 "options":[{"type":1,"name":"view"}]}
		]}`)
	})

	defs, err := c.DiscoverCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "fish", defs[0].Name)
	assert.Equal(t, "3", defs[0].Version)
	assert.Equal(t, "shop", defs[1].Name)
	require.Len(t, defs[1].Subcommands, 1)
	assert.Equal(t, "view", defs[1].Subcommands[0].Name)
}

func TestDiscoverCommandsRateLimited(t *testing.T) {
	c := newRESTClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"You are being rate limited.","retry_after":2.5,"global":false}`)
	})

	_, err := c.DiscoverCommands(context.Background())
	var rl *transport.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2500*time.Millisecond, rl.RetryAfter)
}

func TestInvokeSendsInteraction(t *testing.T) {
	var body map[string]any
	c := newRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/interactions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	})

	h, err := c.Invoke(context.Background(), transport.Invocation{
		CommandID: "3",
		Version:   "5",
		Name:      "shop",
		Path:      []string{"view"},
		Args:      []transport.Arg{{Name: "page", Kind: registry.KindInteger, Value: 2}},
		Nonce:     "1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "1234", h.Nonce)
	assert.False(t, h.IssuedAt.IsZero())

	require.NotNil(t, body)
	assert.EqualValues(t, 2, body["type"])
	assert.Equal(t, DefaultApplicationID, body["application_id"])
	assert.Equal(t, "g1", body["guild_id"])
	assert.Equal(t, "c1", body["channel_id"])
	assert.Equal(t, "1234", body["nonce"])
	assert.NotEmpty(t, body["session_id"])

	data := body["data"].(map[string]any)
	assert.Equal(t, "3", data["id"])
	assert.Equal(t, "5", data["version"])
	assert.Equal(t, "shop", data["name"])
	opts := data["options"].([]any)
	require.Len(t, opts, 1)
	sub := opts[0].(map[string]any)
	assert.Equal(t, "view", sub["name"])
	assert.EqualValues(t, 1, sub["type"])
	inner := sub["options"].([]any)
	require.Len(t, inner, 1)
	assert.Equal(t, "page", inner[0].(map[string]any)["name"])
	assert.EqualValues(t, 2, inner[0].(map[string]any)["value"])
}

func TestInvokeGeneratesNonce(t *testing.T) {
	c := newRESTClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h, err := c.Invoke(context.Background(), transport.Invocation{CommandID: "1", Name: "fish"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.Nonce)
}

func TestInvokeStructuralMismatch(t *testing.T) {
	c := newRESTClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":50035,"message":"Invalid Form Body"}`)
	})

	_, err := c.Invoke(context.Background(), transport.Invocation{CommandID: "1", Name: "fish"})
	var sm *transport.StructuralMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, 50035, sm.Code)
	assert.Equal(t, "Invalid Form Body", sm.Message)
}

func TestSay(t *testing.T) {
	var got map[string]any
	c := newRESTClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/c1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"m1","channel_id":"c1"}`)
	})

	require.NoError(t, c.Say(context.Background(), "", "pong"))
	assert.Equal(t, "pong", got["content"])
}

// ========================= fake gateway =========================

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func dispatchFrame(t *testing.T, seq int64, typ string, d any) payload {
	return payload{Op: opDispatch, S: &seq, T: typ, D: raw(t, d)}
}

// newGateway поднимает websocket-сервер: Hello, ждёт Identify, затем
// script(n) для n-го подключения.
func newGateway(t *testing.T, script func(n int, conn *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	hello := payload{Op: opHello, D: raw(t, helloData{HeartbeatInterval: 45000})}
	var n atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(hello); err != nil {
			return
		}
		var id payload
		if err := conn.ReadJSON(&id); err != nil {
			return
		}
		var ident identifyData
		if !assert.Equal(t, opIdentify, id.Op) || !assert.NoError(t, json.Unmarshal(id.D, &ident)) {
			return
		}
		assert.Equal(t, "tok", ident.Token)

		script(int(n.Add(1)), conn)
		// держим соединение, пока клиент не закроет
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newGatewayClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{Token: "tok", ChannelID: "c1", GatewayURL: url}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func nextEvent(t *testing.T, c *Client) transport.IncomingMessage {
	t.Helper()
	select {
	case m, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return transport.IncomingMessage{}
	}
}

// waitClosed ждёт закрытия Events(): readLoop завершился.
func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after cancel")
		}
	}
}

func ready(session string) map[string]any {
	return map[string]any{"session_id": session, "user": map[string]any{"id": "u1"}}
}

func message(id, channel, content string) map[string]any {
	return map[string]any{
		"id":          id,
		"channel_id":  channel,
		"content":     content,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"author":      map[string]any{"id": DefaultApplicationID},
		"interaction": map[string]any{"id": "i1", "type": 2, "name": "fish"},
	}
}

func TestGatewayDeliversEvents(t *testing.T) {
	url := newGateway(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteJSON(dispatchFrame(t, 1, "READY", ready("s1")))
		_ = conn.WriteJSON(dispatchFrame(t, 2, "MESSAGE_CREATE", message("m0", "other", "ignored")))
		_ = conn.WriteJSON(dispatchFrame(t, 3, "MESSAGE_CREATE", message("m1", "c1", "You caught 2 Cod")))
		_ = conn.WriteJSON(dispatchFrame(t, 4, "INTERACTION_SUCCESS", map[string]any{"id": "i1", "nonce": "n1"}))
		_ = conn.WriteJSON(dispatchFrame(t, 5, "INTERACTION_FAILURE", map[string]any{"id": "i2", "nonce": "n2"}))
		_ = conn.WriteJSON(dispatchFrame(t, 6, "MESSAGE_UPDATE", message("m1", "c1", "You caught 3 Cod")))
	})
	c := newGatewayClient(t, url)

	var connected atomic.Bool
	c.OnConnected = func() { connected.Store(true) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.True(t, connected.Load())
	assert.Equal(t, "s1", c.SessionID())
	assert.Equal(t, "u1", c.UserID())
	assert.True(t, c.IsConnected())

	m := nextEvent(t, c)
	assert.Equal(t, transport.EventMessage, m.Kind)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "You caught 2 Cod", m.Content.Text)
	assert.Equal(t, "i1", m.InteractionID)
	assert.False(t, m.Edited)

	ack := nextEvent(t, c)
	assert.Equal(t, transport.EventInteractionAck, ack.Kind)
	assert.Equal(t, "i1", ack.InteractionID)
	assert.Equal(t, "n1", ack.Nonce)

	fail := nextEvent(t, c)
	assert.Equal(t, transport.EventInteractionFailed, fail.Kind)
	assert.Equal(t, "n2", fail.Nonce)

	upd := nextEvent(t, c)
	assert.True(t, upd.Edited)
	assert.Equal(t, "You caught 3 Cod", upd.Content.Text)
	assert.Less(t, c.SinceLastActivity(), time.Minute)

	cancel()
	waitClosed(t, c)
	assert.False(t, c.IsConnected())
}

func TestGatewayReconnectsOnRequest(t *testing.T) {
	url := newGateway(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.WriteJSON(dispatchFrame(t, 1, "READY", ready("s1")))
			_ = conn.WriteJSON(payload{Op: opReconnect})
			return
		}
		_ = conn.WriteJSON(dispatchFrame(t, 1, "READY", ready("s2")))
		_ = conn.WriteJSON(dispatchFrame(t, 2, "MESSAGE_CREATE", message("m2", "c1", "after reconnect")))
	})
	c := newGatewayClient(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	m := nextEvent(t, c)
	assert.Equal(t, "after reconnect", m.Content.Text)
	assert.Equal(t, "s2", c.SessionID())

	cancel()
	waitClosed(t, c)
}

func TestGatewayGivesUpAfterReconnectAttempts(t *testing.T) {
	var dials atomic.Int32
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// только первое подключение, дальше gateway недоступен
		if dials.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(payload{Op: opHello, D: raw(t, helloData{HeartbeatInterval: 45000})})
		var id payload
		if err := conn.ReadJSON(&id); err != nil {
			return
		}
		_ = conn.WriteJSON(dispatchFrame(t, 1, "READY", ready("s1")))
		_ = conn.WriteJSON(payload{Op: opInvalidSession})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Token: "tok", ChannelID: "c1", GatewayURL: "ws" + strings.TrimPrefix(srv.URL, "http"), ReconnectAttempts: 3},
		zaptest.NewLogger(t))
	require.NoError(t, err)
	c.reconnectWait = 5 * time.Millisecond

	var disconnected atomic.Bool
	c.OnDisconnected = func() { disconnected.Store(true) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	waitClosed(t, c)
	assert.EqualValues(t, 4, dials.Load(), "initial dial plus three attempts")
	assert.Eventually(t, disconnected.Load, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestConnectFailsWithoutGateway(t *testing.T) {
	c := newGatewayClient(t, "ws://127.0.0.1:1/")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
}
