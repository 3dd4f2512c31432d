package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/EgorLis/Fishbot/internal/config"
	"github.com/EgorLis/Fishbot/internal/correlator"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/store"
	"github.com/EgorLis/Fishbot/internal/transport"
)

const (
	channel = "100"
	selfID  = "42"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	mu         sync.Mutex
	events     chan transport.IncomingMessage
	invoked    []transport.Invocation
	said       []string
	defs       []registry.CommandDefinition
	connectErr error
	nonce      int
	// sayGate держит Say, пока его не закроют
	sayGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan transport.IncomingMessage, 16),
		defs: []registry.CommandDefinition{
			{Name: "fish", ID: "1", Version: "1"},
			{Name: "verify", ID: "2", Version: "1", Options: []registry.Option{
				{Name: "answer", Kind: registry.KindString, Required: true},
			}},
		},
	}
}

func (f *fakeTransport) Connect(context.Context) error { return f.connectErr }
func (f *fakeTransport) Close()                        {}
func (f *fakeTransport) UserID() string                { return selfID }

func (f *fakeTransport) NewNonce() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	return strconv.Itoa(f.nonce)
}

func (f *fakeTransport) DiscoverCommands(context.Context) ([]registry.CommandDefinition, error) {
	return f.defs, nil
}

func (f *fakeTransport) Invoke(_ context.Context, inv transport.Invocation) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, inv)
	return transport.Handle{Nonce: inv.Nonce, IssuedAt: time.Now()}, nil
}

func (f *fakeTransport) Events() <-chan transport.IncomingMessage { return f.events }

func (f *fakeTransport) Say(ctx context.Context, _, text string) error {
	f.mu.Lock()
	gate := f.sayGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
	return nil
}

func (f *fakeTransport) saidContains(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.said {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (f *fakeTransport) invocations(name string) []transport.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Invocation
	for _, inv := range f.invoked {
		if inv.Name == name {
			out = append(out, inv)
		}
	}
	return out
}

func (f *fakeTransport) operator(text string) {
	f.events <- transport.IncomingMessage{
		ID: "op" + text, ChannelID: channel, AuthorID: selfID, Timestamp: time.Now(),
		Content: transport.Content{Text: text},
	}
}

func (f *fakeTransport) game(id, text string) {
	f.events <- transport.IncomingMessage{
		ID: id, ChannelID: channel, AuthorID: config.DefaultGameAppID, Timestamp: time.Now(),
		Content: transport.Content{Embeds: []transport.Embed{{Description: text}}},
	}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Discord.ChannelID = channel
	cfg.Explorer.ChannelID = channel
	cfg.Explorer.TickInterval = time.Hour
	cfg.Fishing.Enabled = false
	cfg.Fishing.ChannelID = channel
	cfg.Fishing.ReplyTimeout = 100 * time.Millisecond
	cfg.Rate = config.Default().Rate
	cfg.Rate.MinInterval = 0
	cfg.Rate.RefillInterval = 0
	cfg.Captcha.OCR.APIKey = ""
	cfg.Store = store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "fishbot.db")}
	return cfg
}

func startBot(t *testing.T) (*Bot, *fakeTransport) {
	t.Helper()
	cfg := testConfig(t)
	st, err := store.Open(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr := newFakeTransport()
	b := New(cfg, tr, st, zaptest.NewLogger(t))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, b.Stop()) })

	require.Eventually(t, func() bool { return b.Registry.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	return b, tr
}

func TestStartFailsWithoutGateway(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport()
	tr.connectErr = errors.New("dial refused")
	b := New(cfg, tr, nil, zaptest.NewLogger(t))

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
	assert.NoError(t, b.Stop())
}

func TestClosedEventStreamStopsBot(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	tr := newFakeTransport()
	b := New(cfg, tr, st, zaptest.NewLogger(t))
	require.NoError(t, b.Start(context.Background()))

	// так выглядит исчерпанный бюджет переподключений
	close(tr.events)

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop after event stream closed")
	}
	err = b.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event stream closed")
}

func TestStartTwice(t *testing.T) {
	b, _ := startBot(t)
	assert.Error(t, b.Start(context.Background()))
}

func TestOperatorHelpAndStatus(t *testing.T) {
	b, tr := startBot(t)

	tr.operator("!help")
	require.Eventually(t, func() bool { return tr.saidContains("[bot] !help") }, 2*time.Second, 10*time.Millisecond)

	tr.operator("!status")
	require.Eventually(t, func() bool { return tr.saidContains("state: idle") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, tr.saidContains("commands: 2 (stale 0)"))

	tr.operator("!nope")
	require.Eventually(t, func() bool { return tr.saidContains("err: unknown command") }, 2*time.Second, 10*time.Millisecond)

	st := b.Status(context.Background())
	assert.Equal(t, state.Idle, st.State)
	assert.Len(t, st.Commands, 2)
	assert.True(t, st.ExplorerEnabled)
}

func TestOperatorIgnoresOtherAuthorsAndChannels(t *testing.T) {
	_, tr := startBot(t)

	tr.events <- transport.IncomingMessage{
		ID: "x1", ChannelID: channel, AuthorID: "someone", Content: transport.Content{Text: "!help"},
	}
	tr.events <- transport.IncomingMessage{
		ID: "x2", ChannelID: "other", AuthorID: selfID, Content: transport.Content{Text: "!help"},
	}
	tr.operator("!status")
	require.Eventually(t, func() bool { return tr.saidContains("state:") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, tr.saidContains("!help"))
}

func TestExploreAndFishToggles(t *testing.T) {
	b, tr := startBot(t)

	tr.operator("!explore stop")
	require.Eventually(t, func() bool { return !b.Explorer.Enabled() }, 2*time.Second, 10*time.Millisecond)
	tr.operator("!explore start")
	require.Eventually(t, func() bool { return b.Explorer.Enabled() }, 2*time.Second, 10*time.Millisecond)

	tr.operator("!fish start")
	require.Eventually(t, func() bool { return b.Fisher.Running() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(tr.invocations("fish")) > 0 }, 2*time.Second, 10*time.Millisecond)

	tr.operator("!fish stop")
	require.Eventually(t, func() bool { return tr.saidContains("fishing stopped") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.Fisher.Running())
}

func TestCaptchaFlow(t *testing.T) {
	b, tr := startBot(t)

	tr.game("g1", "Please complete this captcha with /verify to continue fishing")
	require.Eventually(t, func() bool { return b.Machine.State() == state.Captcha }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return tr.saidContains("captcha detected") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, b.CaptchaStatus().Active)

	// пока висит капча, explorer и рыбалка не получают lease
	_, ok := b.Machine.TryAcquire(context.Background(), state.Fishing)
	assert.False(t, ok)

	tr.operator("!solve aB 3x9Z")
	require.Eventually(t, func() bool { return len(tr.invocations("verify")) == 1 }, 2*time.Second, 10*time.Millisecond)
	inv := tr.invocations("verify")[0]
	assert.Equal(t, "2", inv.CommandID)
	require.Len(t, inv.Args, 1)
	assert.Equal(t, "answer", inv.Args[0].Name)
	assert.Equal(t, "aB3x9Z", inv.Args[0].Value)
	assert.Equal(t, state.Captcha, b.Machine.State(), "answer alone does not resolve")

	tr.game("g2", "You have been successfully verified. You may now continue.")
	require.Eventually(t, func() bool { return b.Machine.State() == state.Idle }, 2*time.Second, 10*time.Millisecond)
	st := b.CaptchaStatus()
	assert.False(t, st.Active)
	assert.Equal(t, uint64(1), st.Solved)
}

func TestCaptchaIsNotTakenAsReply(t *testing.T) {
	b, tr := startBot(t)

	// вызов исследования ждёт ответа в том же канале
	p := b.Correlator.Open("daily", channel, "n-daily", 5*time.Second)
	tr.game("g1", "Please complete this captcha with /verify to continue")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Correlator.Await(ctx, p)
	assert.ErrorIs(t, err, correlator.ErrCancelled)
	assert.Equal(t, state.Captcha, b.Machine.State())
}

func TestSlowAlertDoesNotBlockListener(t *testing.T) {
	b, tr := startBot(t)
	gate := make(chan struct{})
	tr.mu.Lock()
	tr.sayGate = gate
	tr.mu.Unlock()
	t.Cleanup(func() { close(gate) })

	tr.game("g1", "Please complete this captcha with /verify to continue")
	require.Eventually(t, func() bool { return b.Machine.State() == state.Captcha }, 2*time.Second, 10*time.Millisecond)

	// оповещение ещё висит в Say, а подтверждение уже обработано
	tr.game("g2", "You have been successfully verified. You may now continue.")
	require.Eventually(t, func() bool { return b.Machine.State() == state.Idle }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, tr.saidContains("captcha detected"))
}

func TestProfileTrackedFromGameMessages(t *testing.T) {
	b, tr := startBot(t)

	tr.game("p1", "Balance: **$3,548**\nLevel 21\nCurrent Biome: <:f:1> **Flatland**")
	require.Eventually(t, func() bool { return !b.Profile().UpdatedAt.IsZero() }, 2*time.Second, 10*time.Millisecond)

	// в ответе /sell есть только баланс, уровень и биом остаются прежними
	tr.game("p2", "You sold your fish for $100. Balance: **$3,648**")
	require.Eventually(t, func() bool {
		p := b.Profile()
		return p.Balance != nil && *p.Balance == 3648
	}, 2*time.Second, 10*time.Millisecond)

	p := b.Status(context.Background()).Profile
	require.NotNil(t, p.Level)
	assert.Equal(t, 21, *p.Level)
	assert.Equal(t, "Flatland", p.Biome)

	tr.operator("!status")
	require.Eventually(t, func() bool {
		return tr.saidContains("profile: balance=$3648 level=21 biome=Flatland")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCaptchaResolvedByOperator(t *testing.T) {
	b, tr := startBot(t)

	assert.ErrorIs(t, b.ResolveCaptcha(), ErrNotInCaptcha)
	assert.ErrorIs(t, b.SubmitCaptcha(context.Background(), "abc123"), ErrNotInCaptcha)

	tr.game("g1", "captcha required")
	require.Eventually(t, func() bool { return b.Machine.State() == state.Captcha }, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, b.SubmitCaptcha(context.Background(), "abc"), "too short")
	assert.Error(t, b.SubmitCaptcha(context.Background(), ""), "no ocr answer yet")

	tr.operator("!resolved")
	require.Eventually(t, func() bool { return b.Machine.State() == state.Idle }, 2*time.Second, 10*time.Millisecond)
}

func TestGameMessagesFromOthersIgnored(t *testing.T) {
	b, tr := startBot(t)

	tr.events <- transport.IncomingMessage{
		ID: "u1", ChannelID: channel, AuthorID: "someone",
		Content: transport.Content{Text: "lol captcha"},
	}
	tr.events <- transport.IncomingMessage{
		ID: "u2", ChannelID: channel, AuthorID: config.DefaultGameAppID, Loading: true,
		Content: transport.Content{Text: "captcha"},
	}
	tr.operator("!status")
	require.Eventually(t, func() bool { return tr.saidContains("state:") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, state.Idle, b.Machine.State())
}

func TestAnswerOption(t *testing.T) {
	assert.Equal(t, "answer", answerOption(registry.CommandDefinition{Name: "verify"}))
	assert.Equal(t, "code", answerOption(registry.CommandDefinition{Options: []registry.Option{
		{Name: "user", Kind: registry.KindUser},
		{Name: "code", Kind: registry.KindString},
	}}))
}

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{"!revalidate", "prestige shop"}, splitArgs(`!revalidate "prestige shop"`))
	assert.Equal(t, []string{"!fish", "start"}, splitArgs("  !fish   start "))
	assert.Empty(t, splitArgs("   "))
}
