package broker

import (
	"context"
	"log/slog"

	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/notification"
)

// revoke terminates the lease at the secrets service. The lease has already
// been removed from the registry, so this runs at most once per lease.
//
// A failed revocation is never propagated: the lease will expire server-side
// by TTL, and the failure is logged, counted, audited, and sent to the
// notification channels so an operator can follow up.
func (b *Broker) revoke(ctx context.Context, lease *domain.Lease, reason string) {
	err := b.revoker.RevokeLease(ctx, lease.LeaseID)
	if err == nil {
		if b.metrics != nil {
			b.metrics.LeasesRevokedTotal.WithLabelValues(lease.Profile, reason).Inc()
		}
		b.logger.InfoContext(ctx, "lease revoked",
			slog.String("lease_id", lease.LeaseID),
			slog.String("profile", lease.Profile),
			slog.String("reason", reason))
		b.record(ctx, lease, domain.EventRevoked, reason)
		return
	}

	if b.metrics != nil {
		b.metrics.RevokeFailuresTotal.WithLabelValues(lease.Profile).Inc()
	}
	b.logger.ErrorContext(ctx, "lease revocation failed, lease will expire by TTL",
		slog.String("lease_id", lease.LeaseID),
		slog.String("profile", lease.Profile),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	b.record(ctx, lease, domain.EventRevokeFailed, err.Error())
	b.notifier.Notify(&notification.Message{
		Subject: "lease revocation failed",
		Body:    err.Error(),
		Metadata: map[string]string{
			"lease_id":    lease.LeaseID,
			"profile":     lease.Profile,
			"attempt_key": string(lease.AttemptKey),
			"reason":      reason,
		},
	})
}
