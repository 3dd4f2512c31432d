package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/EgorLis/Fishbot/internal/explorer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	outcome explorer.Outcome
}

func (f *fakeRunner) RunTarget(_ context.Context, target string) (explorer.CycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, target)
	return explorer.CycleResult{Command: target, Outcome: f.outcome}, nil
}

func (f *fakeRunner) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newScheduler(t *testing.T, r Runner, tasks ...Task) (*Scheduler, *clock) {
	t.Helper()
	s := New(Config{Enabled: true, Tasks: tasks}, r, zaptest.NewLogger(t))
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = c.now
	for _, ts := range s.tasks {
		ts.since = c.t
	}
	return s, c
}

func TestFirstRunAfterInterval(t *testing.T) {
	r := &fakeRunner{outcome: explorer.OutcomeSucceeded}
	s, c := newScheduler(t, r, Task{Command: "Daily", Every: 24 * time.Hour})

	ran, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	c.advance(24 * time.Hour)
	ran, err = s.RunDue(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"daily"}, r.runs())

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, c.t, st[0].LastRun)
	assert.Equal(t, c.t.Add(24*time.Hour), st[0].NextRun)
	assert.Equal(t, explorer.OutcomeSucceeded, st[0].LastOutcome)

	ran, _ = s.RunDue(context.Background())
	assert.False(t, ran, "interval restarts after a successful run")
}

func TestFailedRunIsRetried(t *testing.T) {
	r := &fakeRunner{outcome: explorer.OutcomeSkipped}
	s, c := newScheduler(t, r, Task{Command: "clan claim", Every: 4 * time.Hour})
	c.advance(4 * time.Hour)

	ran, _ := s.RunDue(context.Background())
	assert.True(t, ran)
	st := s.Status()
	assert.True(t, st[0].LastRun.IsZero())
	assert.Equal(t, explorer.OutcomeSkipped, st[0].LastOutcome)

	r.outcome = explorer.OutcomeSucceeded
	ran, _ = s.RunDue(context.Background())
	assert.True(t, ran)
	assert.Equal(t, []string{"clan claim", "clan claim"}, r.runs())
}

func TestMostOverdueFirst(t *testing.T) {
	r := &fakeRunner{outcome: explorer.OutcomeSucceeded}
	s, c := newScheduler(t, r,
		Task{Command: "profile", Every: 30 * time.Minute},
		Task{Command: "daily", Every: time.Hour},
	)
	c.advance(3 * time.Hour)

	_, _ = s.RunDue(context.Background())
	_, _ = s.RunDue(context.Background())
	assert.Equal(t, []string{"profile", "daily"}, r.runs())
}

func TestInvalidTasksIgnored(t *testing.T) {
	s := New(Config{Enabled: true, Tasks: []Task{{Command: "daily"}, {Command: " ", Every: time.Hour}}}, &fakeRunner{}, zaptest.NewLogger(t))
	assert.Empty(t, s.Status())
	assert.False(t, s.Enabled())
}

func TestRunStopsOnContext(t *testing.T) {
	r := &fakeRunner{outcome: explorer.OutcomeSucceeded}
	s := New(Config{Enabled: true, Tick: 5 * time.Millisecond, Tasks: []Task{{Command: "daily", Every: time.Millisecond}}}, r, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.runs()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
