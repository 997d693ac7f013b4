// Package engine is the durable workflow runtime: it leases events,
// executes registered functions with step memoization, schedules cron
// triggers, and enforces retry and concurrency policy.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

// Engine wires the dispatcher, executor, governor, and cron scheduler
// over one store and bus
type Engine struct {
	cfg        *config.Config
	store      store.Store
	bus        *bus.Bus
	registry   *Registry
	dispatcher *Dispatcher
	cron       *CronScheduler
	logger     *slog.Logger
	clock      Clock
	metrics    *Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// depthSampleInterval paces the queue depth gauge refresh
const depthSampleInterval = 5 * time.Second

func New(
	cfg *config.Config, st store.Store, b *bus.Bus, registry *Registry,
	logger *slog.Logger, clock Clock, metrics *Metrics,
) (*Engine, error) {
	governor := NewGovernor(cfg.ConcurrencyGlobal, cfg.ConcurrencyDefault)
	executor := NewExecutor(st, b, cfg, logger, clock, metrics)
	dispatcher := NewDispatcher(
		b, registry, executor, governor, cfg, logger, clock, metrics,
	)

	cronSched, err := NewCronScheduler(
		st, b, registry, logger, clock, cfg.CronCatchUpBudget, metrics,
	)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		store:      st,
		bus:        b,
		registry:   registry,
		dispatcher: dispatcher,
		cron:       cronSched,
		logger:     logger,
		clock:      clock,
		metrics:    metrics,
	}, nil
}

// Start launches the dispatch workers, the cron scheduler, and the
// queue depth sampler
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.logSurvivors(ctx)

	workers := e.cfg.ConcurrencyGlobal
	if workers > 16 {
		workers = 16
	}
	for range workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatcher.Run(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cron.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sampleDepth(ctx)
	}()

	e.logger.Info("engine started",
		slog.Int("workers", workers),
		slog.Int("functions", len(e.registry.Functions())),
	)
}

// Stop cancels the workers and waits for in-flight attempts, bounded
// by the shutdown timeout. Unfinished events redeliver after their
// lease expires.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
	case <-time.After(e.cfg.ShutdownTimeout):
		e.logger.Warn("engine stop timed out with work in flight")
	}
}

// logSurvivors reports runs that persisted across a restart. Their
// events are still queued, so they resume without intervention.
func (e *Engine) logSurvivors(ctx context.Context) {
	for _, status := range []api.RunStatus{api.RunSleeping, api.RunRunning} {
		runs, err := e.store.ListRunsByStatus(ctx, status, 0)
		if err != nil {
			e.logger.Error("survivor scan failed", log.Error(err))
			return
		}
		if len(runs) > 0 {
			e.logger.Info("recovered runs from previous process",
				slog.String("status", string(status)),
				slog.Int("count", len(runs)),
			)
		}
	}
}

func (e *Engine) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := e.bus.Depth(ctx)
			if err != nil {
				continue
			}
			e.metrics.QueueDepth.Set(float64(depth))
			if e.cfg.QueueDepthLimit > 0 &&
				depth > int64(e.cfg.QueueDepthLimit) {
				e.logger.Warn("queue depth above limit",
					slog.Int64("depth", depth),
					slog.Int("limit", e.cfg.QueueDepthLimit),
				)
			}
		}
	}
}
