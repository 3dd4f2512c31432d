// Package scheduler запускает команды игры по расписанию: daily раз в сутки,
// клановый claim, profile для свежих данных профиля. Каждая задача идёт
// обычным циклом explorer'а: lease Exploring, governor, ожидание ответа.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/explorer"
)

const defaultTick = 30 * time.Second

type Task struct {
	Command string        `yaml:"command"`
	Every   time.Duration `yaml:"every"`
}

type Config struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Tick    time.Duration `yaml:"tick"`
	Tasks   []Task        `yaml:"tasks" env:"-"`
}

// Runner — explorer.Explorer.
type Runner interface {
	RunTarget(ctx context.Context, target string) (explorer.CycleResult, error)
}

// TaskStatus — для !status и /status.
type TaskStatus struct {
	Command string        `json:"command"`
	Every   time.Duration `json:"every"`
	LastRun time.Time     `json:"last_run,omitempty"`
	NextRun time.Time     `json:"next_run"`
	// LastOutcome — итог последней попытки, в том числе неудачной.
	LastOutcome explorer.Outcome `json:"last_outcome,omitempty"`
}

type Scheduler struct {
	cfg Config
	run Runner
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	tasks []*taskState
}

type taskState struct {
	Task
	// отсчёт интервала; сдвигается только успешным запуском
	since   time.Time
	lastRun time.Time
	outcome explorer.Outcome
}

// New. Первый запуск каждой задачи — через Every после старта.
func New(cfg Config, run Runner, log *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{cfg: cfg, run: run, log: log, now: time.Now}
	start := s.now()
	for _, t := range cfg.Tasks {
		t.Command = strings.Join(strings.Fields(strings.ToLower(t.Command)), " ")
		if t.Command == "" || t.Every <= 0 {
			log.Warn("scheduled task ignored", zap.String("command", t.Command), zap.Duration("every", t.Every))
			continue
		}
		s.tasks = append(s.tasks, &taskState{Task: t, since: start})
	}
	return s
}

func (s *Scheduler) Enabled() bool { return s.cfg.Enabled && len(s.tasks) > 0 }

// Run: тикер до отмены ctx. За тик выполняется не больше одной задачи,
// остальные ждут следующего тика.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := s.RunDue(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunDue запускает самую просроченную задачу. false — делать было нечего.
func (s *Scheduler) RunDue(ctx context.Context) (bool, error) {
	task := s.due(s.now())
	if task == nil {
		return false, nil
	}

	s.log.Info("running scheduled task", zap.String("command", task.Command))
	res, err := s.run.RunTarget(ctx, task.Command)

	s.mu.Lock()
	task.outcome = res.Outcome
	if res.Outcome == explorer.OutcomeSucceeded {
		task.since = s.now()
		task.lastRun = task.since
	}
	s.mu.Unlock()

	if res.Outcome != explorer.OutcomeSucceeded {
		s.log.Warn("scheduled task not done, retrying next tick",
			zap.String("command", task.Command),
			zap.String("outcome", string(res.Outcome)))
	}
	return true, err
}

func (s *Scheduler) due(now time.Time) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *taskState
	var bestOverdue time.Duration
	for _, t := range s.tasks {
		overdue := now.Sub(t.since) - t.Every
		if overdue < 0 {
			continue
		}
		if best == nil || overdue > bestOverdue {
			best, bestOverdue = t, overdue
		}
	}
	return best
}

func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			Command:     t.Command,
			Every:       t.Every,
			LastRun:     t.lastRun,
			NextRun:     t.since.Add(t.Every),
			LastOutcome: t.outcome,
		})
	}
	return out
}
