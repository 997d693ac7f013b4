// Package bus accepts events into the durable queue and hands them to the
// dispatcher with at-least-once delivery semantics.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type (
	// Bus is the publishing side of the event pipeline. Duplicate
	// idempotency keys inside the retention window collapse to the
	// first accepted event.
	Bus struct {
		store  store.EventQueue
		window time.Duration
		logger *slog.Logger

		mu   sync.Mutex
		taps map[int]chan *api.Event
		next int
	}

	// PublishResult reports how the bus handled a published event
	PublishResult struct {
		EventID   api.EventID
		Duplicate bool
	}
)

// New creates a Bus over the given queue. window bounds how long an
// idempotency key suppresses re-publication.
func New(
	s store.EventQueue, window time.Duration, logger *slog.Logger,
) *Bus {
	return &Bus{
		store:  s,
		window: window,
		logger: logger,
		taps:   map[int]chan *api.Event{},
	}
}

// Publish validates and enqueues an event. When the event carries an
// idempotency key that was seen inside the window, the original event's
// identifier is returned and nothing is enqueued.
func (b *Bus) Publish(
	ctx context.Context, ev *api.Event,
) (PublishResult, error) {
	if err := ev.Validate(); err != nil {
		return PublishResult{}, err
	}

	if ev.IdempotencyKey != "" {
		prior, found, err := b.store.IdempotencyGet(ctx, ev.IdempotencyKey)
		if err != nil {
			return PublishResult{}, err
		}
		if found {
			b.logger.Debug("duplicate event collapsed",
				log.EventName(ev.Name),
				slog.String("idempotency_key", ev.IdempotencyKey),
				log.EventID(prior),
			)
			return PublishResult{EventID: prior, Duplicate: true}, nil
		}
	}

	if err := b.store.AppendEvent(ctx, ev); err != nil {
		return PublishResult{}, err
	}

	if ev.IdempotencyKey != "" {
		err := b.store.IdempotencySet(
			ctx, ev.IdempotencyKey, ev.ID, b.window,
		)
		if err != nil {
			return PublishResult{}, err
		}
	}

	b.logger.Debug("event accepted",
		log.EventName(ev.Name), log.EventID(ev.ID),
	)
	b.broadcast(ev)
	return PublishResult{EventID: ev.ID}, nil
}

// LeaseNext claims the oldest visible event for processing
func (b *Bus) LeaseNext(
	ctx context.Context, now time.Time, lease time.Duration,
) (*api.Event, error) {
	return b.store.LeaseNext(ctx, now, now.Add(lease))
}

// Ack removes a processed event from the queue
func (b *Bus) Ack(ctx context.Context, id api.EventID) error {
	return b.store.Ack(ctx, id)
}

// Nack returns a leased event to the queue for redelivery
func (b *Bus) Nack(
	ctx context.Context, id api.EventID, visibleAfter time.Time, attempt int,
) error {
	return b.store.Nack(ctx, id, visibleAfter, attempt)
}

// Depth reports the number of undelivered events
func (b *Bus) Depth(ctx context.Context) (int64, error) {
	return b.store.QueueDepth(ctx)
}

// Subscribe taps the stream of accepted events. Slow subscribers drop
// events rather than block publishers. The returned func detaches the tap.
func (b *Bus) Subscribe(buffer int) (<-chan *api.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan *api.Event, buffer)
	b.taps[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if tap, ok := b.taps[id]; ok {
			delete(b.taps, id)
			close(tap)
		}
	}
}

func (b *Bus) broadcast(ev *api.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tap := range b.taps {
		select {
		case tap <- ev:
		default:
		}
	}
}
