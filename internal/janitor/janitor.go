// Package janitor purges old audit records on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/storage"
)

// Janitor deletes lease events older than the retention window.
type Janitor struct {
	store    storage.Store
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger
}

// New creates a Janitor from config. Returns nil when retention is disabled.
func New(cfg *config.RetentionConfig, store storage.Store, logger *slog.Logger) (*Janitor, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", cfg.CronSchedule(), err)
	}

	return &Janitor{
		store:    store,
		schedule: schedule,
		maxAge:   cfg.MaxAge(),
		logger:   logger,
	}, nil
}

// Start begins the purge loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	if j == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.Info("retention janitor started",
			slog.Duration("max_age", j.maxAge))

		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				j.purge(ctx)
			}
		}
	}()

	return cancel
}

func (j *Janitor) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.maxAge)
	purged, err := j.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "audit purge failed",
			slog.String("error", err.Error()))
		return
	}
	if purged > 0 {
		j.logger.InfoContext(ctx, "purged old audit records",
			slog.Int64("purged", purged),
			slog.Time("cutoff", cutoff))
	}
}
