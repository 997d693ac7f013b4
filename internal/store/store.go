// Package store defines the data port for the worker: a narrow,
// row-oriented contract over the event queue, run and memo tables, the
// dead-letter queue, and the domain tables the included workflows touch.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quartermile/ledgerflow/pkg/api"
)

type (
	// Store is the data port. Implementations must make PutMemo first-write-
	// wins, and UpdateRun/UpdateDLQ/UpdateAttachment atomic per key.
	Store interface {
		EventQueue
		RunStore
		DLQStore
		DomainStore

		// CronMark persists the last fire time per cron trigger so missed
		// fires can be caught up after a restart
		GetCronMark(ctx context.Context, fn api.FunctionID) (time.Time, error)
		SetCronMark(ctx context.Context, fn api.FunctionID, at time.Time) error

		Ping(ctx context.Context) error
		Close() error
	}

	// EventQueue persists accepted events and their delivery state
	EventQueue interface {
		// AppendEvent stores the event and makes it visible at
		// event.ScheduledFor (immediately when zero)
		AppendEvent(ctx context.Context, ev *api.Event) error

		// LeaseNext returns the oldest event visible at now and hides it
		// until leaseUntil. Returns nil when no event is visible.
		LeaseNext(
			ctx context.Context, now, leaseUntil time.Time,
		) (*api.Event, error)

		// Ack removes a leased event permanently
		Ack(ctx context.Context, id api.EventID) error

		// Nack re-queues a leased event, visible at visibleAfter, with the
		// provided attempt counter
		Nack(
			ctx context.Context, id api.EventID, visibleAfter time.Time,
			attempt int,
		) error

		// QueueDepth counts events awaiting dispatch, leased included
		QueueDepth(ctx context.Context) (int64, error)

		// IdempotencyGet resolves a previously accepted event by its
		// idempotency key within the retention window
		IdempotencyGet(
			ctx context.Context, key string,
		) (api.EventID, bool, error)

		// IdempotencySet remembers an idempotency key for the window
		IdempotencySet(
			ctx context.Context, key string, id api.EventID,
			window time.Duration,
		) error
	}

	// RunStore persists workflow runs and their step memos
	RunStore interface {
		GetRun(ctx context.Context, id api.RunID) (*api.Run, error)
		PutRun(ctx context.Context, run *api.Run) error

		// UpdateRun applies update atomically to the stored run
		UpdateRun(
			ctx context.Context, id api.RunID, update func(*api.Run) error,
		) error

		ListRunsByStatus(
			ctx context.Context, status api.RunStatus, limit int,
		) ([]*api.Run, error)

		// GetMemo returns ErrNotFound when no memo exists for the step
		GetMemo(
			ctx context.Context, run api.RunID, step api.StepName,
		) (*api.StepMemo, error)

		// PutMemo persists a memo; the first write for a key wins
		PutMemo(ctx context.Context, memo *api.StepMemo) error

		ListMemos(ctx context.Context, run api.RunID) ([]*api.StepMemo, error)
	}

	// DLQStore persists dead-letter records
	DLQStore interface {
		PutDLQ(ctx context.Context, rec *api.DLQRecord) error
		GetDLQ(ctx context.Context, id string) (*api.DLQRecord, error)
		UpdateDLQ(
			ctx context.Context, id string,
			update func(*api.DLQRecord) error,
		) error
		ListDLQ(
			ctx context.Context, status api.DLQStatus, limit int,
		) ([]*api.DLQRecord, error)
	}

	// DomainStore persists the domain tables referenced by the included
	// workflows: fx_rates and attachments
	DomainStore interface {
		PutFxRates(ctx context.Context, rates []*api.FxRateRecord) error
		ListFxRates(
			ctx context.Context, from string,
		) ([]*api.FxRateRecord, error)

		// LatestFxTimestamp returns the freshest stored rate timestamp,
		// or the zero time when no rates exist
		LatestFxTimestamp(ctx context.Context) (time.Time, error)

		GetAttachment(ctx context.Context, id string) (*api.Attachment, error)
		PutAttachment(ctx context.Context, att *api.Attachment) error
		UpdateAttachment(
			ctx context.Context, id string,
			update func(*api.Attachment) error,
		) error
	}
)

var (
	ErrNotFound      = errors.New("not found")
	ErrEventNotLeased = errors.New("event is not leased")
)
