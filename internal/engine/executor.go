package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type (
	// Executor drives one attempt of one function for one event and
	// settles the run state it leaves behind
	Executor struct {
		store   store.Store
		bus     *bus.Bus
		cfg     *config.Config
		logger  *slog.Logger
		clock   Clock
		metrics *Metrics
	}

	// Outcome tells the dispatcher what to do with the leased event.
	// Terminal outcomes acknowledge; the rest redeliver at RetryAt with
	// the given attempt counter.
	Outcome struct {
		Terminal    bool
		RetryAt     time.Time
		NextAttempt int
	}
)

func NewExecutor(
	st store.Store, b *bus.Bus, cfg *config.Config,
	logger *slog.Logger, clock Clock, metrics *Metrics,
) *Executor {
	return &Executor{
		store:   st,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		metrics: metrics,
	}
}

// Execute runs one attempt of fn against event. Run identity derives
// from the function and event, so redelivery resumes the existing run
// and replays its memo table.
func (e *Executor) Execute(
	ctx context.Context, fn *Function, event *api.Event,
) (Outcome, error) {
	now := e.clock()
	runID := api.RunIDFor(fn.ID, event.ID)

	run, err := e.prepareRun(ctx, runID, fn, event, now)
	if err != nil {
		return Outcome{}, err
	}
	if run == nil {
		// already settled; redelivery after a lost ack
		return Outcome{Terminal: true}, nil
	}

	logger := e.logger.With(
		log.FunctionID(fn.ID),
		log.RunID(runID),
		log.EventID(event.ID),
		log.Attempt(run.Attempt),
	)
	logger.Info("run attempt started", log.EventName(event.Name))
	e.metrics.RunAttempts.WithLabelValues(string(fn.ID)).Inc()

	sc := newContext(ctx, run, event, fn, e.store, e.bus, logger, e.clock)
	result, handlerErr := e.invoke(fn, sc)

	switch {
	case handlerErr == nil:
		return e.settleSuccess(ctx, run, fn, result, logger)

	case errors.Is(handlerErr, ErrRunCancelled):
		return e.settleCancelled(ctx, run, fn, logger)

	default:
		if wait, ok := api.IsWaitUntil(handlerErr); ok {
			return e.settleSleep(ctx, run, event, wait.At, logger)
		}
		return e.settleFailure(ctx, run, fn, event, handlerErr, logger)
	}
}

// invoke shields the runtime from handler panics, which settle as
// fatal failures instead of killing the worker
func (e *Executor) invoke(
	fn *Function, sc *Context,
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Fatal(api.SubclassUnknown,
				"handler panic: %v", r)
		}
	}()
	return fn.Handler(sc)
}

// prepareRun loads or creates the run and moves it to running. A nil
// run with nil error means the run is already terminal.
func (e *Executor) prepareRun(
	ctx context.Context, runID api.RunID, fn *Function,
	event *api.Event, now time.Time,
) (*api.Run, error) {
	attempt := event.Attempt + 1

	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		run = &api.Run{
			ID:         runID,
			FunctionID: fn.ID,
			EventID:    event.ID,
			Status:     api.RunRunning,
			Attempt:    attempt,
			StartedAt:  now,
		}
		if err := e.store.PutRun(ctx, run); err != nil {
			return nil, err
		}
		return run, nil
	}
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		return nil, nil
	}

	err = e.store.UpdateRun(ctx, runID, func(r *api.Run) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = api.RunRunning
		r.Attempt = attempt
		r.WakeAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	run.Status = api.RunRunning
	run.Attempt = attempt
	return run, nil
}

func (e *Executor) settleSuccess(
	ctx context.Context, run *api.Run, fn *Function, result any,
	logger *slog.Logger,
) (Outcome, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf(
			"unserializable result: %v", err,
		))
	}

	err = e.store.UpdateRun(ctx, run.ID, func(r *api.Run) error {
		r.Status = api.RunSucceeded
		r.Result = raw
		r.EndedAt = e.clock()
		r.LastError = ""
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	logger.Info("run succeeded")
	e.metrics.RunsCompleted.WithLabelValues(
		string(fn.ID), string(api.RunSucceeded),
	).Inc()
	return Outcome{Terminal: true}, nil
}

func (e *Executor) settleCancelled(
	ctx context.Context, run *api.Run, fn *Function, logger *slog.Logger,
) (Outcome, error) {
	err := e.store.UpdateRun(ctx, run.ID, func(r *api.Run) error {
		r.Status = api.RunCancelled
		r.EndedAt = e.clock()
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	logger.Info("run cancelled")
	e.metrics.RunsCompleted.WithLabelValues(
		string(fn.ID), string(api.RunCancelled),
	).Inc()
	return Outcome{Terminal: true}, nil
}

// settleSleep checkpoints the suspension. The event is redelivered at
// the wake time with the attempt counter unchanged: suspensions do not
// consume attempts.
func (e *Executor) settleSleep(
	ctx context.Context, run *api.Run, event *api.Event, wakeAt time.Time,
	logger *slog.Logger,
) (Outcome, error) {
	err := e.store.UpdateRun(ctx, run.ID, func(r *api.Run) error {
		r.Status = api.RunSleeping
		r.WakeAt = wakeAt
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	logger.Info("run sleeping", slog.Time("wake_at", wakeAt))
	return Outcome{
		RetryAt:     wakeAt,
		NextAttempt: event.Attempt,
	}, nil
}

func (e *Executor) settleFailure(
	ctx context.Context, run *api.Run, fn *Function, event *api.Event,
	handlerErr error, logger *slog.Logger,
) (Outcome, error) {
	failure := api.Classify(handlerErr)

	if failure.Retriable() && run.Attempt < fn.MaxAttempts {
		retryAt := NextRetryAt(e.cfg.Retry, run.Attempt, e.clock())
		err := e.store.UpdateRun(ctx, run.ID, func(r *api.Run) error {
			r.Status = api.RunCreated
			r.LastError = failure.Error()
			return nil
		})
		if err != nil {
			return Outcome{}, err
		}

		logger.Warn("run attempt failed, will retry",
			log.Error(failure),
			slog.Time("retry_at", retryAt),
		)
		return Outcome{
			RetryAt:     retryAt,
			NextAttempt: run.Attempt,
		}, nil
	}

	err := e.store.UpdateRun(ctx, run.ID, func(r *api.Run) error {
		r.Status = api.RunFailed
		r.FinalError = failure
		r.LastError = failure.Error()
		r.EndedAt = e.clock()
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	logger.Error("run failed terminally",
		log.Error(failure),
		slog.String("class", string(failure.Class)),
		slog.String("subclass", string(failure.Subclass)),
	)
	e.metrics.RunsCompleted.WithLabelValues(
		string(fn.ID), string(api.RunFailed),
	).Inc()

	if !fn.SuppressFailureEvent {
		if err := e.publishFailure(ctx, run, fn, event, failure); err != nil {
			logger.Error("failed to publish failure event", log.Error(err))
		}
	}
	return Outcome{Terminal: true}, nil
}

// publishFailure emits inngest/function.failed for the dead-letter
// handler. The idempotency key pins one failure event per run.
func (e *Executor) publishFailure(
	ctx context.Context, run *api.Run, fn *Function, event *api.Event,
	failure *api.Failure,
) error {
	original, err := json.Marshal(event)
	if err != nil {
		return err
	}

	failed, err := api.NewEvent(api.EventFunctionFailed, &api.FunctionFailedData{
		FunctionID: fn.ID,
		RunID:      run.ID,
		Error: api.FailureDetail{
			Message: failure.Message,
			Stack:   failure.Stack,
		},
		OriginalEvent: original,
		AttemptCount:  run.Attempt,
	})
	if err != nil {
		return err
	}
	failed.IdempotencyKey = "failed:" + string(run.ID)

	_, err = e.bus.Publish(ctx, failed)
	return err
}
