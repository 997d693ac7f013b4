package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermile/ledgerflow/internal/engine"
)

func noopHandler(*engine.Context) (any, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := engine.NewRegistry()

	require.NoError(t, r.Register(&engine.Function{
		ID:        "email-workflow",
		EventName: "email/send",
		Handler:   noopHandler,
	}))
	require.NoError(t, r.Register(&engine.Function{
		ID:        "audit-log",
		EventName: "email/send",
		Handler:   noopHandler,
	}))

	fns := r.ByEvent("email/send")
	require.Len(t, fns, 2)
	assert.Equal(t, "audit-log", string(fns[0].ID))

	fn, ok := r.Get("email-workflow")
	require.True(t, ok)
	assert.Equal(t, engine.DefaultMaxAttempts, fn.MaxAttempts)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := engine.NewRegistry()

	require.NoError(t, r.Register(&engine.Function{
		ID:        "email-workflow",
		EventName: "email/send",
		Handler:   noopHandler,
	}))
	assert.ErrorIs(t, r.Register(&engine.Function{
		ID:        "email-workflow",
		EventName: "email/send",
		Handler:   noopHandler,
	}), engine.ErrDuplicateFunction)
}

func TestRegisterRequiresTriggerAndHandler(t *testing.T) {
	r := engine.NewRegistry()

	assert.ErrorIs(t, r.Register(&engine.Function{
		ID:        "no-handler",
		EventName: "x",
	}), engine.ErrNoHandler)

	assert.ErrorIs(t, r.Register(&engine.Function{
		ID:      "no-trigger",
		Handler: noopHandler,
	}), engine.ErrNoTrigger)
}

func TestRegisterCronFunction(t *testing.T) {
	r := engine.NewRegistry()

	require.NoError(t, r.Register(&engine.Function{
		ID:      "fx-rate-ingestion",
		Cron:    &engine.CronTrigger{Spec: "0 */4 * * *"},
		Handler: noopHandler,
	}))

	fns := r.ByEvent(engine.CronEventName("fx-rate-ingestion"))
	require.Len(t, fns, 1)
	assert.Len(t, r.CronFunctions(), 1)

	assert.ErrorIs(t, r.Register(&engine.Function{
		ID:      "bad-cron",
		Cron:    &engine.CronTrigger{Spec: "not a cron"},
		Handler: noopHandler,
	}), engine.ErrBadCronSpec)
}
