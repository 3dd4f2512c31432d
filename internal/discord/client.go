package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/transport"
)

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=9&encoding=json"
	// DefaultApplicationID — Virtual Fisher.
	DefaultApplicationID = "574652751745777665"
	defaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	readyTimeout = 30 * time.Second
	eventBuffer  = 256

	defaultReconnectAttempts = 10
	maxReconnectWait         = 30 * time.Second
)

var ErrNotConnected = errors.New("gateway not connected")

type Config struct {
	Token         string `yaml:"token" env:"TOKEN"`
	GuildID       string `yaml:"guild_id" env:"GUILD_ID"`
	ChannelID     string `yaml:"channel_id" env:"CHANNEL_ID"`
	ApplicationID string `yaml:"application_id" env:"APPLICATION_ID"`
	UserAgent     string `yaml:"user_agent,omitempty" env:"USER_AGENT"`
	GatewayURL    string `yaml:"gateway_url,omitempty" env:"GATEWAY_URL"`
	// APIBase — корень REST (https://discord.com/api/v9/); меняется в тестах.
	APIBase string `yaml:"api_base,omitempty" env:"API_BASE"`
	// Proxy — http(s)://user:pass@host:port, общий для REST и gateway.
	Proxy string `yaml:"proxy,omitempty" env:"PROXY"`
	// ReconnectAttempts — сколько неудачных переподключений подряд терпим,
	// потом закрываем Events(). 0 — по умолчанию (10).
	ReconnectAttempts int `yaml:"reconnect_attempts,omitempty" env:"RECONNECT_ATTEMPTS"`
}

// Client реализует transport.Transport.
type Client struct {
	cfg    Config
	log    *zap.Logger
	rest   *discordgo.Session
	dialer *websocket.Dialer

	conn   *websocket.Conn
	wmu    sync.Mutex // сериализует запись в websocket и замену conn
	closed atomic.Bool

	seq          atomic.Int64 // последний s из dispatch, -1 — не было
	lastAck      atomic.Int64 // unix nanos последнего heartbeat ACK
	lastActivity atomic.Int64 // unix nanos последнего принятого кадра
	hbStop       chan struct{}

	sessMu    sync.RWMutex
	sessionID string
	userID    string

	events    chan transport.IncomingMessage
	ready     chan struct{}
	readyOnce sync.Once

	// первая пауза перед переподключением, дальше удваивается
	reconnectWait time.Duration

	// "События"
	OnConnected    func()
	OnDisconnected func()
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: empty token")
	}
	if cfg.ApplicationID == "" {
		cfg.ApplicationID = DefaultApplicationID
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.APIBase == "" {
		cfg.APIBase = discordgo.EndpointAPI
	}
	if !strings.HasSuffix(cfg.APIBase, "/") {
		cfg.APIBase += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}

	rest, err := discordgo.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discordgo session: %w", err)
	}
	rest.UserAgent = cfg.UserAgent
	rest.ShouldRetryOnRateLimit = false
	rest.MaxRestRetries = 0

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	if cfg.Proxy != "" {
		pu, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		httpTransport.Proxy = http.ProxyURL(pu)
		dialer.Proxy = http.ProxyURL(pu)
	}
	rest.Client = &http.Client{Timeout: 15 * time.Second, Transport: httpTransport}

	c := &Client{
		cfg:    cfg,
		log:    log,
		rest:   rest,
		dialer: dialer,
		events: make(chan transport.IncomingMessage, eventBuffer),
		ready:  make(chan struct{}),

		reconnectWait: time.Second,
	}
	c.seq.Store(-1)
	return c, nil
}

// Connect открывает gateway, ждёт READY и запускает readLoop.
// Отмена ctx останавливает readLoop и закрывает Events().
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialAndIdentify(ctx)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()
	c.closed.Store(false)

	go c.readLoop(ctx)

	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readyTimeout):
		c.Close()
		return errors.New("gateway: no READY in time")
	}
	if c.OnConnected != nil {
		c.OnConnected()
	}
	return nil
}

func (c *Client) Close() {
	c.closed.Store(true)
	c.closeConn()
}

func (c *Client) IsConnected() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn != nil && !c.closed.Load()
}

func (c *Client) Events() <-chan transport.IncomingMessage { return c.events }

func (c *Client) SessionID() string {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sessionID
}

// UserID — id аккаунта, под которым работает бот (из READY).
func (c *Client) UserID() string {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.userID
}

func (c *Client) ApplicationID() string { return c.cfg.ApplicationID }

// NewNonce — snowflake текущего момента для следующего вызова.
func (c *Client) NewNonce() string { return Nonce(time.Now()) }

// sessionForInteraction — session_id из READY; без gateway — случайный,
// как это делает веб-клиент до подключения.
func (c *Client) sessionForInteraction() string {
	if id := c.SessionID(); id != "" {
		return id
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
