package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type (
	// CronScheduler publishes synthetic trigger events for cron
	// functions. Fire times are persisted, so a restarted worker
	// catches up missed fires within the configured budget and skips
	// the rest.
	CronScheduler struct {
		store    store.Store
		bus      *bus.Bus
		logger   *slog.Logger
		clock    Clock
		budget   int
		interval time.Duration
		metrics  *Metrics

		entries []cronEntry
	}

	cronEntry struct {
		fn       *Function
		schedule cron.Schedule
	}
)

// cronCheckInterval bounds how late a fire can be noticed
const cronCheckInterval = time.Second

func NewCronScheduler(
	st store.Store, b *bus.Bus, registry *Registry, logger *slog.Logger,
	clock Clock, budget int, metrics *Metrics,
) (*CronScheduler, error) {
	s := &CronScheduler{
		store:    st,
		bus:      b,
		logger:   logger,
		clock:    clock,
		budget:   budget,
		interval: cronCheckInterval,
		metrics:  metrics,
	}

	for _, fn := range registry.CronFunctions() {
		spec := fn.Cron.Spec
		if fn.Cron.Timezone != "" {
			spec = "CRON_TZ=" + fn.Cron.Timezone + " " + spec
		}
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("cron %s: %w", fn.ID, err)
		}
		s.entries = append(s.entries, cronEntry{
			fn:       fn,
			schedule: schedule,
		})
	}
	return s, nil
}

// Run ticks until the context ends
func (s *CronScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due cron trigger once
func (s *CronScheduler) Tick(ctx context.Context) {
	for _, entry := range s.entries {
		if err := s.fireDue(ctx, entry); err != nil {
			s.logger.Error("cron fire failed",
				log.FunctionID(entry.fn.ID),
				log.Error(err),
			)
		}
	}
}

// fireDue publishes trigger events for each schedule point since the
// persisted mark, bounded by the catch-up budget. Fires beyond the
// budget are skipped, not queued.
func (s *CronScheduler) fireDue(ctx context.Context, entry cronEntry) error {
	now := s.clock()

	mark, err := s.store.GetCronMark(ctx, entry.fn.ID)
	if err != nil {
		return err
	}
	if mark.IsZero() {
		// first sighting: anchor at now, do not backfill history
		return s.store.SetCronMark(ctx, entry.fn.ID, now)
	}

	var due []time.Time
	for next := entry.schedule.Next(mark); !next.After(now); {
		due = append(due, next)
		next = entry.schedule.Next(next)
	}
	if len(due) == 0 {
		return nil
	}

	fires := due
	if len(fires) > s.budget {
		skipped := len(fires) - s.budget
		fires = fires[len(fires)-s.budget:]
		s.logger.Warn("cron fires skipped beyond catch-up budget",
			log.FunctionID(entry.fn.ID),
			slog.Int("skipped", skipped),
		)
	}

	for _, at := range fires {
		if err := s.publishFire(ctx, entry.fn, at); err != nil {
			return err
		}
	}
	return s.store.SetCronMark(ctx, entry.fn.ID, due[len(due)-1])
}

func (s *CronScheduler) publishFire(
	ctx context.Context, fn *Function, at time.Time,
) error {
	ev, err := api.NewEvent(CronEventName(fn.ID), map[string]any{
		"scheduled_at": at,
	})
	if err != nil {
		return err
	}
	// the envelope carries the historical fire time, so catch-up fires
	// are attributable to the tick they stand in for
	ev.ScheduledFor = at
	ev.IdempotencyKey = fmt.Sprintf("cron:%s:%d", fn.ID, at.Unix())

	res, err := s.bus.Publish(ctx, ev)
	if err != nil {
		return err
	}
	if !res.Duplicate {
		s.metrics.CronFires.WithLabelValues(string(fn.ID)).Inc()
		s.logger.Info("cron trigger fired",
			log.FunctionID(fn.ID),
			slog.Time("scheduled_at", at),
		)
	}
	return nil
}
