package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/notification"
)

// Watchdog flags pending leases that never received a connected/failed
// notification. A stale pending lease means the host's lifecycle reporting
// broke; the watchdog reports it loudly but never revokes — the connection
// attempt could still be in a long handshake, and a premature revoke would
// kill a legitimate login.
type Watchdog struct {
	broker *Broker
	cfg    *config.WatchdogConfig
	logger *slog.Logger

	flagged map[uuid.UUID]bool // lease IDs already reported
}

// NewWatchdog creates a stale-pending watchdog. Returns nil when disabled.
func NewWatchdog(b *Broker, cfg *config.WatchdogConfig, logger *slog.Logger) *Watchdog {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &Watchdog{
		broker:  b,
		cfg:     cfg,
		logger:  logger,
		flagged: make(map[uuid.UUID]bool),
	}
}

// Start begins the watchdog loop. Returns a cancel function.
func (w *Watchdog) Start(ctx context.Context) func() {
	if w == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(w.cfg.PollInterval())
		defer ticker.Stop()

		w.logger.Info("stale-pending watchdog started",
			slog.Duration("poll_interval", w.cfg.PollInterval()),
			slog.Duration("stale_after", w.cfg.StaleAfter()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()

	return cancel
}

func (w *Watchdog) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.cfg.StaleAfter())
	pending, _ := w.broker.Registry().Snapshot()

	live := make(map[uuid.UUID]bool, len(pending))
	for _, lease := range pending {
		live[lease.ID] = true
		if lease.CreatedAt.After(cutoff) || w.flagged[lease.ID] {
			continue
		}
		w.flagged[lease.ID] = true

		w.logger.ErrorContext(ctx, "pending lease is stale, host never reported connected or failed",
			slog.String("attempt_key", string(lease.AttemptKey)),
			slog.String("lease_id", lease.LeaseID),
			slog.String("profile", lease.Profile),
			slog.Time("created_at", lease.CreatedAt))
		if w.broker.metrics != nil {
			w.broker.metrics.LeaseDefectsTotal.WithLabelValues("stale_pending").Inc()
		}
		w.broker.notifier.Notify(&notification.Message{
			Subject: "stale pending lease",
			Body:    "a pending lease never received a connected or failed notification",
			Metadata: map[string]string{
				"attempt_key": string(lease.AttemptKey),
				"lease_id":    lease.LeaseID,
				"profile":     lease.Profile,
			},
		})
	}

	// Drop flags for leases that have since left the pending table.
	for id := range w.flagged {
		if !live[id] {
			delete(w.flagged, id)
		}
	}
}
