package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

// Dispatcher leases events and fans each one out to every subscribed
// function. An event is acknowledged only when all subscribed runs
// reached a terminal state; otherwise it is redelivered at the earliest
// requested retry time. Runs are idempotent per (function, event), so
// settled functions skip redelivered events cheaply.
type Dispatcher struct {
	bus      *bus.Bus
	registry *Registry
	executor *Executor
	governor *Governor
	cfg      *config.Config
	logger   *slog.Logger
	clock    Clock
	metrics  *Metrics
}

// governorBackoff delays redelivery when concurrency slots are taken
const governorBackoff = time.Second

func NewDispatcher(
	b *bus.Bus, registry *Registry, executor *Executor,
	governor *Governor, cfg *config.Config, logger *slog.Logger,
	clock Clock, metrics *Metrics,
) *Dispatcher {
	return &Dispatcher{
		bus:      b,
		registry: registry,
		executor: executor,
		governor: governor,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		metrics:  metrics,
	}
}

// Run polls the queue until the context ends
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		processed, err := d.Poll(ctx)
		if err != nil {
			d.logger.Error("dispatch poll failed", log.Error(err))
		}

		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Poll leases and processes at most one event, reporting whether one
// was available
func (d *Dispatcher) Poll(ctx context.Context) (bool, error) {
	event, err := d.bus.LeaseNext(ctx, d.clock(), d.cfg.LeaseDuration)
	if err != nil || event == nil {
		return false, err
	}
	return true, d.process(ctx, event)
}

func (d *Dispatcher) process(ctx context.Context, event *api.Event) error {
	fns := d.registry.ByEvent(event.Name)
	if len(fns) == 0 {
		d.logger.Warn("event has no subscribed functions",
			log.EventName(event.Name),
			log.EventID(event.ID),
		)
		d.metrics.EventsUnrouted.Inc()
		return d.bus.Ack(ctx, event.ID)
	}

	d.metrics.EventsDispatched.WithLabelValues(event.Name).Inc()

	settled := true
	var retryAt time.Time
	nextAttempt := event.Attempt

	for _, fn := range fns {
		outcome, err := d.executeGoverned(ctx, fn, event)
		if err != nil {
			d.logger.Error("execution failed",
				log.FunctionID(fn.ID),
				log.EventID(event.ID),
				log.Error(err),
			)
			outcome = Outcome{
				RetryAt:     d.clock().Add(governorBackoff),
				NextAttempt: event.Attempt,
			}
		}
		if outcome.Terminal {
			continue
		}

		settled = false
		if retryAt.IsZero() || outcome.RetryAt.Before(retryAt) {
			retryAt = outcome.RetryAt
		}
		if outcome.NextAttempt > nextAttempt {
			nextAttempt = outcome.NextAttempt
		}
	}

	if settled {
		return d.bus.Ack(ctx, event.ID)
	}
	return d.bus.Nack(ctx, event.ID, retryAt, nextAttempt)
}

func (d *Dispatcher) executeGoverned(
	ctx context.Context, fn *Function, event *api.Event,
) (Outcome, error) {
	release, ok := d.governor.TryAcquire(fn)
	if !ok {
		return Outcome{
			RetryAt:     d.clock().Add(governorBackoff),
			NextAttempt: event.Attempt,
		}, nil
	}
	defer release()

	d.metrics.InFlight.Set(float64(d.governor.InFlight()))
	return d.executor.Execute(ctx, fn, event)
}
