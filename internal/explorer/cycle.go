package explorer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/correlator"
	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/transport"
)

type Phase string

const (
	PhaseSelecting     Phase = "selecting"
	PhaseInvoking      Phase = "invoking"
	PhaseAwaitingReply Phase = "awaiting_reply"
	PhaseParsing       Phase = "parsing"
	PhasePersisting    Phase = "persisting"
	PhaseDone          Phase = "done"
)

type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeSkipped     Outcome = "skipped"
	OutcomePreempted   Outcome = "preempted"
	OutcomeRateLimited Outcome = "rate_limited"
)

// CycleResult — итог одного цикла.
type CycleResult struct {
	Command string  `json:"command,omitempty"`
	Outcome Outcome `json:"outcome"`
	// LastPhase — фаза, в которой цикл закончился.
	LastPhase Phase         `json:"last_phase"`
	Entities  int           `json:"entities"`
	Persisted int           `json:"persisted"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// RunCycle — один проход Selecting → ... → Done. Lease отпускается на любом
// выходе; вытеснение капчей обрывает цикл в точке ожидания.
func (e *Explorer) RunCycle(ctx context.Context) (CycleResult, error) {
	return e.run(ctx, func(now time.Time) (plan, bool) { return e.selectTarget(now, true) })
}

// RunTarget — тот же цикл для заданной цели, мимо списка Targets и кулдаунов
// (периодические задачи). Stale-команды не вызываются.
func (e *Explorer) RunTarget(ctx context.Context, target string) (CycleResult, error) {
	return e.run(ctx, func(time.Time) (plan, bool) { return e.planTarget(target, true) })
}

func (e *Explorer) run(ctx context.Context, pick func(now time.Time) (plan, bool)) (CycleResult, error) {
	res := CycleResult{StartedAt: e.Now(), LastPhase: PhaseSelecting}

	lease, ok := e.Machine.TryAcquire(ctx, state.Exploring)
	if !ok {
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	defer lease.Release()
	lctx := lease.Context()

	p, ok := pick(res.StartedAt)
	if !ok {
		res.Outcome = OutcomeSkipped
		res.LastPhase = PhaseDone
		return e.finish(res), nil
	}
	res.Command = p.fullName()

	inv := transport.Invocation{
		CommandID: p.entry.Definition.ID,
		Version:   p.entry.Definition.Version,
		Name:      p.entry.Definition.Name,
		Path:      p.path,
		Args:      p.args,
		ChannelID: e.cfg.ChannelID,
		Nonce:     e.Nonce(),
	}

	// открываем до отправки: IssuedAt не позже ответа
	res.LastPhase = PhaseInvoking
	pending := e.Correlator.Open(res.Command, e.cfg.ChannelID, inv.Nonce, e.cfg.ReplyTimeout)
	if _, err := e.Invoker.Invoke(lctx, state.Exploring, inv); err != nil {
		e.Correlator.Cancel(pending)
		return e.invokeFailed(ctx, lctx, res, p, err)
	}

	res.LastPhase = PhaseAwaitingReply
	content, err := e.Correlator.Await(lctx, pending)
	if err != nil {
		return e.awaitFailed(ctx, lctx, res, p, err)
	}
	// ответ мог прийти уже после капчи: такой цикл брошен
	if lease.Preempted() {
		res.Outcome = OutcomePreempted
		res.LastPhase = PhaseDone
		return e.finish(res), ctx.Err()
	}
	e.Registry.RecordSuccess(p.entry.Name(), e.Now())

	res.LastPhase = PhaseParsing
	entities := e.Parser.Parse(res.Command, content)
	res.Entities = len(entities)

	res.LastPhase = PhasePersisting
	res.Persisted = e.persist(ctx, res.Command, entities)
	e.recordExecution(ctx, p, true)

	res.Outcome = OutcomeSucceeded
	res.LastPhase = PhaseDone
	return e.finish(res), nil
}

func (e *Explorer) invokeFailed(ctx, lctx context.Context, res CycleResult, p plan, err error) (CycleResult, error) {
	res.Err = err
	var (
		rl *transport.RateLimitedError
		sm *transport.StructuralMismatchError
	)
	switch {
	case lctx.Err() != nil:
		res.Outcome = OutcomePreempted
	case errors.As(err, &rl):
		res.Outcome = OutcomeRateLimited
		e.Registry.RecordAttempt(p.entry.Name(), e.Now())
		e.recordExecution(ctx, p, false)
	case errors.As(err, &sm):
		res.Outcome = OutcomeFailed
		e.structuralFailure(ctx, p, err)
	default:
		res.Outcome = OutcomeFailed
		e.Registry.RecordAttempt(p.entry.Name(), e.Now())
		e.recordExecution(ctx, p, false)
	}
	res.LastPhase = PhaseDone
	return e.finish(res), ctx.Err()
}

func (e *Explorer) awaitFailed(ctx, lctx context.Context, res CycleResult, p plan, err error) (CycleResult, error) {
	res.Err = err
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		res.Outcome = OutcomeTimedOut
		e.Registry.RecordAttempt(p.entry.Name(), e.Now())
		e.recordExecution(ctx, p, false)
	case errors.Is(err, correlator.ErrInteractionFailed):
		// платформа приняла запрос, но отвергла сам вызов
		res.Outcome = OutcomeFailed
		e.structuralFailure(ctx, p, err)
	case lctx.Err() != nil, errors.Is(err, correlator.ErrCancelled):
		res.Outcome = OutcomePreempted
	default:
		res.Outcome = OutcomeFailed
		e.Registry.RecordAttempt(p.entry.Name(), e.Now())
	}
	res.LastPhase = PhaseDone
	return e.finish(res), ctx.Err()
}

func (e *Explorer) structuralFailure(ctx context.Context, p plan, err error) {
	n, stale := e.Registry.RecordStructuralFailure(p.entry.Name(), e.Now(), e.cfg.StaleThreshold)
	if stale {
		e.Log.Warn("command marked stale",
			zap.String("command", p.entry.Name()),
			zap.Int("consecutive_failures", n),
			zap.Error(err))
	}
	e.recordExecution(ctx, p, false)
}

// persist: upsert по ключу, одна повторная попытка, дальше — лог и следующая запись.
func (e *Explorer) persist(ctx context.Context, command string, entities []parser.Entity) int {
	saved := 0
	for _, ent := range entities {
		err := e.upsert(ctx, ent)
		if err != nil {
			err = e.upsert(ctx, ent)
		}
		if err != nil {
			e.Log.Error("upsert failed",
				zap.String("command", command),
				zap.String("key", ent.IdentityKey()),
				zap.Error(err))
			continue
		}
		saved++
	}
	return saved
}

func (e *Explorer) upsert(ctx context.Context, ent parser.Entity) error {
	switch v := ent.(type) {
	case parser.ShopItem:
		return e.Store.UpsertShopItem(ctx, v)
	case parser.GenericEntity:
		return e.Store.UpsertGenericEntity(ctx, v)
	}
	return nil
}

func (e *Explorer) recordExecution(ctx context.Context, p plan, success bool) {
	if err := e.Store.RecordCommandExecution(ctx, p.fullName(), e.Now(), success); err != nil {
		e.Log.Warn("record execution failed", zap.String("command", p.fullName()), zap.Error(err))
	}
	if entry, ok := e.Registry.Get(p.entry.Name()); ok {
		if err := e.Store.SaveCommand(ctx, entry); err != nil {
			e.Log.Warn("save command failed", zap.String("command", entry.Name()), zap.Error(err))
		}
	}
}

func (e *Explorer) finish(res CycleResult) CycleResult {
	res.Duration = e.Now().Sub(res.StartedAt)
	fields := []zap.Field{
		zap.String("command", res.Command),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("entities", res.Entities),
		zap.Int("persisted", res.Persisted),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	e.Log.Info("cycle summary", fields...)

	e.lastMu.Lock()
	e.last = res
	e.lastMu.Unlock()
	return res
}
