package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *store.MemoryStore
	bus      *bus.Bus
	registry *engine.Registry
	disp     *engine.Dispatcher
	clock    *fakeClock
	cfg      *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Retry.Jitter = config.JitterNone

	st := store.NewMemoryStore()
	logger := log.New("ledgerflow", "test", "0")
	b := bus.New(st, cfg.IdempotencyWindow, logger)
	clock := newFakeClock()
	metrics := engine.NewMetrics(prometheus.NewRegistry())
	registry := engine.NewRegistry()

	executor := engine.NewExecutor(
		st, b, cfg, logger, clock.Now, metrics,
	)
	governor := engine.NewGovernor(
		cfg.ConcurrencyGlobal, cfg.ConcurrencyDefault,
	)
	disp := engine.NewDispatcher(
		b, registry, executor, governor, cfg, logger, clock.Now, metrics,
	)

	return &harness{
		store:    st,
		bus:      b,
		registry: registry,
		disp:     disp,
		clock:    clock,
		cfg:      cfg,
	}
}

// drain polls until the queue has no visible events, advancing the
// clock past each requested redelivery time
func (h *harness) drain(t *testing.T, maxPolls int) {
	t.Helper()
	ctx := context.Background()

	for range maxPolls {
		processed, err := h.disp.Poll(ctx)
		require.NoError(t, err)
		if processed {
			continue
		}

		depth, err := h.bus.Depth(ctx)
		require.NoError(t, err)
		if depth == 0 {
			return
		}
		h.clock.Advance(time.Minute)
	}
	t.Fatal("queue did not drain")
}

func (h *harness) publish(t *testing.T, name string, data any) *api.Event {
	t.Helper()
	ev, err := api.NewEvent(name, data)
	require.NoError(t, err)
	_, err = h.bus.Publish(context.Background(), ev)
	require.NoError(t, err)
	return ev
}

func (h *harness) run(t *testing.T, fn api.FunctionID, ev api.EventID) *api.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), api.RunIDFor(fn, ev))
	require.NoError(t, err)
	return run
}

func TestRunSucceedsAndMemoizesSteps(t *testing.T) {
	h := newHarness(t)

	var step1Calls, step2Calls int
	h.registry.MustRegister(&engine.Function{
		ID:        "two-steps",
		EventName: "test/go",
		Handler: func(sc *engine.Context) (any, error) {
			first, err := engine.Run(sc, "first",
				func(context.Context) (int, error) {
					step1Calls++
					return 7, nil
				})
			if err != nil {
				return nil, err
			}
			return engine.Run(sc, "second",
				func(context.Context) (int, error) {
					step2Calls++
					if step2Calls == 1 {
						return 0, errors.New("connection refused")
					}
					return first * 2, nil
				})
		},
	})

	ev := h.publish(t, "test/go", nil)
	h.drain(t, 20)

	run := h.run(t, "two-steps", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Attempt)
	assert.JSONEq(t, "14", string(run.Result))

	// first step replayed from its memo on the retry
	assert.Equal(t, 1, step1Calls)
	assert.Equal(t, 2, step2Calls)
}

func TestFatalFailureEndsRunImmediately(t *testing.T) {
	h := newHarness(t)

	var calls int
	h.registry.MustRegister(&engine.Function{
		ID:        "fatal-fn",
		EventName: "test/fatal",
		Handler: func(sc *engine.Context) (any, error) {
			return sc.RunStep("explode",
				func(context.Context) (any, error) {
					calls++
					return nil, errors.New("validation failed: bad input")
				})
		},
	})

	ev := h.publish(t, "test/fatal", nil)

	processed, err := h.disp.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	run := h.run(t, "fatal-fn", ev.ID)
	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, 1, calls)
	require.NotNil(t, run.FinalError)
	assert.Equal(t, api.ClassFatal, run.FinalError.Class)
	assert.Equal(t, api.SubclassValidation, run.FinalError.Subclass)

	// terminal failure emitted a failure event for the DLQ handler
	failed, err := h.bus.LeaseNext(
		context.Background(), h.clock.Now(), time.Minute,
	)
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, api.EventFunctionFailed, failed.Name)

	var payload api.FunctionFailedData
	require.NoError(t, json.Unmarshal(failed.Data, &payload))
	assert.Equal(t, api.FunctionID("fatal-fn"), payload.FunctionID)
	assert.Equal(t, 1, payload.AttemptCount)
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(t)

	var calls int
	h.registry.MustRegister(&engine.Function{
		ID:          "flaky-fn",
		EventName:   "test/flaky",
		MaxAttempts: 3,
		Handler: func(sc *engine.Context) (any, error) {
			return sc.RunStep("flaky",
				func(context.Context) (any, error) {
					calls++
					return nil, errors.New("upstream timeout")
				})
		},
	})

	ev := h.publish(t, "test/flaky", nil)

	ctx := context.Background()
	for range 10 {
		processed, err := h.disp.Poll(ctx)
		require.NoError(t, err)
		if !processed {
			h.clock.Advance(time.Minute)
		}
		run, err := h.store.GetRun(ctx, api.RunIDFor("flaky-fn", ev.ID))
		if err == nil && run.Status.Terminal() {
			break
		}
	}

	run := h.run(t, "flaky-fn", ev.ID)
	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, 3, run.Attempt)
	assert.Equal(t, 3, calls)
	assert.Equal(t, api.SubclassTimeout, run.FinalError.Subclass)
}

func TestSleepSuspendsWithoutConsumingAttempts(t *testing.T) {
	h := newHarness(t)

	var afterSleep int
	h.registry.MustRegister(&engine.Function{
		ID:        "sleeper",
		EventName: "test/sleep",
		Handler: func(sc *engine.Context) (any, error) {
			if _, err := sc.RunStep("before",
				func(context.Context) (any, error) {
					return "ok", nil
				}); err != nil {
				return nil, err
			}
			if err := sc.Sleep("nap", time.Hour); err != nil {
				return nil, err
			}
			return sc.RunStep("after",
				func(context.Context) (any, error) {
					afterSleep++
					return "done", nil
				})
		},
	})

	ev := h.publish(t, "test/sleep", nil)
	ctx := context.Background()

	processed, err := h.disp.Poll(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	run := h.run(t, "sleeper", ev.ID)
	assert.Equal(t, api.RunSleeping, run.Status)
	assert.Equal(t, h.clock.Now().Add(time.Hour), run.WakeAt)
	assert.Zero(t, afterSleep)

	// not yet due
	processed, err = h.disp.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	h.clock.Advance(time.Hour + time.Second)
	processed, err = h.disp.Poll(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	run = h.run(t, "sleeper", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, 1, afterSleep)
}

func TestDuplicateStepNameIsFatal(t *testing.T) {
	h := newHarness(t)

	h.registry.MustRegister(&engine.Function{
		ID:        "dup-steps",
		EventName: "test/dup",
		Handler: func(sc *engine.Context) (any, error) {
			if _, err := sc.RunStep("same",
				func(context.Context) (any, error) { return 1, nil },
			); err != nil {
				return nil, err
			}
			return sc.RunStep("same",
				func(context.Context) (any, error) { return 2, nil })
		},
	})

	ev := h.publish(t, "test/dup", nil)
	_, err := h.disp.Poll(context.Background())
	require.NoError(t, err)

	run := h.run(t, "dup-steps", ev.ID)
	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, api.SubclassIntegrity, run.FinalError.Subclass)
}

func TestHandlerPanicSettlesAsFatal(t *testing.T) {
	h := newHarness(t)

	h.registry.MustRegister(&engine.Function{
		ID:        "panicky",
		EventName: "test/panic",
		Handler: func(*engine.Context) (any, error) {
			panic("nil map write")
		},
	})

	ev := h.publish(t, "test/panic", nil)
	_, err := h.disp.Poll(context.Background())
	require.NoError(t, err)

	run := h.run(t, "panicky", ev.ID)
	assert.Equal(t, api.RunFailed, run.Status)
	assert.Contains(t, run.FinalError.Message, "nil map write")
}

func TestCancelledRunStopsAtStepBoundary(t *testing.T) {
	h := newHarness(t)

	h.registry.MustRegister(&engine.Function{
		ID:          "cancellable",
		EventName:   "test/cancel",
		MaxAttempts: 5,
		Handler: func(sc *engine.Context) (any, error) {
			return sc.RunStep("work",
				func(context.Context) (any, error) {
					return nil, errors.New("connection reset")
				})
		},
	})

	ev := h.publish(t, "test/cancel", nil)
	ctx := context.Background()

	processed, err := h.disp.Poll(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	runID := api.RunIDFor("cancellable", ev.ID)
	require.NoError(t, h.store.UpdateRun(ctx, runID, func(r *api.Run) error {
		r.Status = api.RunCancelled
		return nil
	}))

	h.clock.Advance(time.Minute)
	processed, err = h.disp.Poll(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	run := h.run(t, "cancellable", ev.ID)
	assert.Equal(t, api.RunCancelled, run.Status)

	depth, err := h.bus.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestUnroutedEventIsAcked(t *testing.T) {
	h := newHarness(t)

	h.publish(t, "nobody/listens", nil)

	processed, err := h.disp.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	depth, err := h.bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestFanOutAcksOnlyWhenAllSettle(t *testing.T) {
	h := newHarness(t)

	var fastDone, slowCalls int
	h.registry.MustRegister(&engine.Function{
		ID:        "a-fast",
		EventName: "test/fan",
		Handler: func(sc *engine.Context) (any, error) {
			return engine.Run(sc, "only",
				func(context.Context) (int, error) {
					fastDone++
					return fastDone, nil
				})
		},
	})
	h.registry.MustRegister(&engine.Function{
		ID:          "b-slow",
		EventName:   "test/fan",
		MaxAttempts: 2,
		Handler: func(sc *engine.Context) (any, error) {
			return sc.RunStep("only",
				func(context.Context) (any, error) {
					slowCalls++
					if slowCalls == 1 {
						return nil, errors.New("try again later")
					}
					return "ok", nil
				})
		},
	})

	ev := h.publish(t, "test/fan", nil)
	h.drain(t, 20)

	assert.Equal(t, api.RunSucceeded, h.run(t, "a-fast", ev.ID).Status)
	assert.Equal(t, api.RunSucceeded, h.run(t, "b-slow", ev.ID).Status)

	// the settled function executed once despite the redelivery
	assert.Equal(t, 1, fastDone)
	assert.Equal(t, 2, slowCalls)
}

func TestSuppressFailureEvent(t *testing.T) {
	h := newHarness(t)

	h.registry.MustRegister(&engine.Function{
		ID:                   "quiet-fail",
		EventName:            "test/quiet",
		MaxAttempts:          1,
		SuppressFailureEvent: true,
		Handler: func(*engine.Context) (any, error) {
			return nil, api.Fatal(api.SubclassValidation, "bad")
		},
	})

	h.publish(t, "test/quiet", nil)
	_, err := h.disp.Poll(context.Background())
	require.NoError(t, err)

	depth, err := h.bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestMemoizedSendPublishesOnce(t *testing.T) {
	h := newHarness(t)

	h.registry.MustRegister(&engine.Function{
		ID:          "sender",
		EventName:   "test/send",
		MaxAttempts: 3,
		Handler: func(sc *engine.Context) (any, error) {
			out, err := api.NewEvent("downstream/ping", nil)
			if err != nil {
				return nil, err
			}
			if _, err := sc.Send("notify", out); err != nil {
				return nil, err
			}
			return sc.RunStep("flaky",
				func(context.Context) (any, error) {
					if sc.Attempt() == 1 {
						return nil, errors.New("socket timeout")
					}
					return "ok", nil
				})
		},
	})

	ev := h.publish(t, "test/send", nil)
	h.drain(t, 30)

	assert.Equal(t, api.RunSucceeded, h.run(t, "sender", ev.ID).Status)

	memos, err := h.store.ListMemos(
		context.Background(), api.RunIDFor("sender", ev.ID),
	)
	require.NoError(t, err)
	assert.Len(t, memos, 2)
}
