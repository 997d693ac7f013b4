package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

// Context is the step surface handed to a function handler. Handlers
// re-enter after every suspension and retry, so each step name must be
// unique within the run and all side effects live inside steps.
type Context struct {
	ctx    context.Context
	run    *api.Run
	event  *api.Event
	fn     *Function
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger
	clock  Clock
	seen   map[api.StepName]bool
}

// ErrRunCancelled stops a handler at the next step boundary after the
// run was cancelled externally
var ErrRunCancelled = errors.New("run cancelled")

func newContext(
	ctx context.Context, run *api.Run, event *api.Event, fn *Function,
	st store.Store, b *bus.Bus, logger *slog.Logger, clock Clock,
) *Context {
	return &Context{
		ctx:    ctx,
		run:    run,
		event:  event,
		fn:     fn,
		store:  st,
		bus:    b,
		logger: logger,
		clock:  clock,
		seen:   map[api.StepName]bool{},
	}
}

// Context returns the cancellation context of the current attempt
func (sc *Context) Context() context.Context {
	return sc.ctx
}

// Event returns the triggering event
func (sc *Context) Event() *api.Event {
	return sc.event
}

// Bind unmarshals the triggering event payload
func (sc *Context) Bind(dst any) error {
	if len(sc.event.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(sc.event.Data, dst); err != nil {
		return api.Fatal(api.SubclassValidation,
			"malformed event payload: %v", err)
	}
	return nil
}

// RunID returns the identifier of the current run
func (sc *Context) RunID() api.RunID {
	return sc.run.ID
}

// Attempt returns the 1-based attempt number of the current execution
func (sc *Context) Attempt() int {
	return sc.run.Attempt
}

// Logger returns a logger scoped to the run
func (sc *Context) Logger() *slog.Logger {
	return sc.logger
}

// Now reads the engine clock
func (sc *Context) Now() time.Time {
	return sc.clock()
}

// RunStep executes fn exactly once per run. Replays return the memoized
// result or the memoized terminal failure without re-executing fn.
// Transient failures are not memoized; the next attempt re-executes.
func (sc *Context) RunStep(
	name api.StepName, fn func(ctx context.Context) (any, error),
) (json.RawMessage, error) {
	return sc.RunStepTimeout(name, 0, fn)
}

// RunStepTimeout is RunStep with a per-step execution deadline. An
// exceeded deadline surfaces as a transient timeout failure.
func (sc *Context) RunStepTimeout(
	name api.StepName, timeout time.Duration,
	fn func(ctx context.Context) (any, error),
) (json.RawMessage, error) {
	if err := sc.enterStep(name); err != nil {
		return nil, err
	}

	memo, err := sc.store.GetMemo(sc.ctx, sc.run.ID, name)
	if err == nil {
		if memo.Error != nil {
			return nil, memo.Error
		}
		return memo.Result, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ctx := sc.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := sc.clock()
	result, stepErr := fn(ctx)
	if stepErr != nil {
		if timeout > 0 && errors.Is(stepErr, context.DeadlineExceeded) {
			stepErr = api.Transient(api.SubclassTimeout,
				"step %s timed out after %s", name, timeout)
		}
		return nil, sc.recordStepFailure(name, stepErr, started)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, api.Fatal(api.SubclassValidation,
			"step %s result does not marshal: %v", name, err)
	}

	if err := sc.store.PutMemo(sc.ctx, &api.StepMemo{
		RunID:       sc.run.ID,
		StepName:    name,
		Attempt:     sc.run.Attempt,
		CompletedAt: sc.clock(),
		Result:      raw,
	}); err != nil {
		return nil, err
	}

	sc.logger.Debug("step completed",
		log.StepName(name),
		slog.Duration("elapsed", sc.clock().Sub(started)),
	)
	return raw, nil
}

// Run executes a typed step body and decodes the memoized result on
// replay
func Run[T any](
	sc *Context, name api.StepName,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	raw, err := sc.RunStep(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	var res T
	if err != nil {
		return res, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, api.Fatal(api.SubclassValidation,
			"step %s result does not decode: %v", name, err)
	}
	return res, nil
}

// Sleep suspends the run for the duration. The first execution
// checkpoints a wake time and suspends; replays at or past the wake
// time fall through.
func (sc *Context) Sleep(name api.StepName, d time.Duration) error {
	return sc.SleepUntil(name, sc.clock().Add(d))
}

// SleepUntil suspends the run until the given time
func (sc *Context) SleepUntil(name api.StepName, at time.Time) error {
	if err := sc.enterStep(name); err != nil {
		return err
	}

	memo, err := sc.store.GetMemo(sc.ctx, sc.run.ID, name)
	if err == nil {
		if !sc.clock().Before(memo.WakeAt) {
			return nil
		}
		return &api.WaitUntil{At: memo.WakeAt}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if !sc.clock().Before(at) {
		at = sc.clock()
	}
	if err := sc.store.PutMemo(sc.ctx, &api.StepMemo{
		RunID:       sc.run.ID,
		StepName:    name,
		Attempt:     sc.run.Attempt,
		CompletedAt: sc.clock(),
		WakeAt:      at,
	}); err != nil {
		return err
	}

	if !sc.clock().Before(at) {
		return nil
	}
	return &api.WaitUntil{At: at}
}

// Send publishes an event exactly once per run. The memo records the
// published event id, and an idempotency key derived from the run and
// step guards the window between publishing and memoizing.
func (sc *Context) Send(
	name api.StepName, ev *api.Event,
) (api.EventID, error) {
	if err := sc.enterStep(name); err != nil {
		return "", err
	}

	memo, err := sc.store.GetMemo(sc.ctx, sc.run.ID, name)
	if err == nil {
		return memo.EventID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = "run:" + string(sc.run.ID) + ":step:" +
			string(name)
	}

	res, err := sc.bus.Publish(sc.ctx, ev)
	if err != nil {
		return "", err
	}

	if err := sc.store.PutMemo(sc.ctx, &api.StepMemo{
		RunID:       sc.run.ID,
		StepName:    name,
		Attempt:     sc.run.Attempt,
		CompletedAt: sc.clock(),
		EventID:     res.EventID,
	}); err != nil {
		return "", err
	}
	return res.EventID, nil
}

// enterStep enforces unique step names within one handler execution and
// honors external cancellation at step boundaries
func (sc *Context) enterStep(name api.StepName) error {
	if sc.seen[name] {
		return api.Fatal(api.SubclassIntegrity,
			"step name %q used more than once in run", name)
	}
	sc.seen[name] = true

	if err := sc.ctx.Err(); err != nil {
		return err
	}

	run, err := sc.store.GetRun(sc.ctx, sc.run.ID)
	if err != nil {
		return err
	}
	if run.Status == api.RunCancelled {
		return ErrRunCancelled
	}
	return nil
}

// recordStepFailure memoizes fatal failures so replays observe the same
// outcome, and passes transient failures through for retry
func (sc *Context) recordStepFailure(
	name api.StepName, stepErr error, started time.Time,
) error {
	failure := api.Classify(stepErr)

	if !failure.Retriable() {
		if err := sc.store.PutMemo(sc.ctx, &api.StepMemo{
			RunID:       sc.run.ID,
			StepName:    name,
			Attempt:     sc.run.Attempt,
			CompletedAt: sc.clock(),
			Error:       failure,
		}); err != nil {
			return err
		}
	}

	sc.logger.Warn("step failed",
		log.StepName(name),
		log.Error(failure),
		slog.Duration("elapsed", sc.clock().Sub(started)),
	)
	return failure
}
