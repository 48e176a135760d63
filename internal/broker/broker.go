// Package broker implements the credential interception and lease lifecycle
// core: fetch a dynamic secret for a connection attempt, inject its
// credentials, and revoke the backing lease exactly once when the attempt
// fails or the connection closes.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/notification"
	"github.com/nvx/dynsecrets/internal/observability"
	"github.com/nvx/dynsecrets/internal/registry"
)

// Connection property names the injected credentials are stored under.
const (
	PropertyUser     = "user"
	PropertyPassword = "password"
)

// ConfigurationError reports an attempt whose profile is missing or
// incomplete. Nothing has been fetched when this is returned.
type ConfigurationError struct {
	Profile string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("profile %q: %s", e.Profile, e.Reason)
}

// SecretKeyError reports a fetched secret that lacks a configured credential
// field. By the time this is returned the backing lease has already been
// removed from the registry and revoked.
type SecretKeyError struct {
	Profile    string
	SecretPath string
	Key        string
}

func (e *SecretKeyError) Error() string {
	return fmt.Sprintf("secret %q has no field %q (profile %q)", e.SecretPath, e.Key, e.Profile)
}

// SecretFetcher fetches a secret by path.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, path string) (*domain.Secret, error)
}

// LeaseRevoker revokes a lease at the secrets service.
type LeaseRevoker interface {
	RevokeLease(ctx context.Context, leaseID string) error
}

// AuditRecorder appends lease lifecycle events to the audit trail.
// storage.Store satisfies this.
type AuditRecorder interface {
	RecordLeaseEvent(ctx context.Context, ev *domain.LeaseEvent) error
}

// EventPublisher pushes lease events to live subscribers (the WebSocket hub).
type EventPublisher interface {
	Publish(ev domain.LeaseEvent)
}

// Attempt is a connection attempt submitted for credential interception.
// Properties are mutated in place by Intercept.
type Attempt struct {
	Key        domain.AttemptKey
	Profile    string
	Properties map[string]string
}

// Broker ties the fetcher, registry, and revoker together.
type Broker struct {
	fetcher  SecretFetcher
	revoker  LeaseRevoker
	registry *registry.Registry
	profiles map[string]config.ProfileConfig

	audit    AuditRecorder                    // nil = no audit trail
	events   EventPublisher                   // nil = no live event stream
	notifier *notification.Dispatcher         // nil-safe
	metrics  *observability.MetricsCollector // nil = metrics disabled
	logger   *slog.Logger
}

// Options carries the optional broker collaborators.
type Options struct {
	Audit    AuditRecorder
	Events   EventPublisher
	Notifier *notification.Dispatcher
	Metrics  *observability.MetricsCollector
}

// New creates a Broker for the given connection profiles.
func New(fetcher SecretFetcher, revoker LeaseRevoker, reg *registry.Registry, profiles []config.ProfileConfig, logger *slog.Logger, opts Options) *Broker {
	byName := make(map[string]config.ProfileConfig, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Broker{
		fetcher:  fetcher,
		revoker:  revoker,
		registry: reg,
		profiles: byName,
		audit:    opts.Audit,
		events:   opts.Events,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// Registry exposes the lease registry for snapshots and the watchdog.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Intercept fetches fresh credentials for the attempt, registers the backing
// lease as pending, and injects username/password into the attempt
// properties. On a missing credential field the lease is revoked before the
// error is returned, so no secret ever leaks without a tracked or terminated
// lease.
func (b *Broker) Intercept(ctx context.Context, attempt *Attempt) (*domain.Lease, error) {
	profile, ok := b.profiles[attempt.Profile]
	if !ok {
		return nil, &ConfigurationError{Profile: attempt.Profile, Reason: "no such profile"}
	}
	if profile.SecretPath == "" {
		return nil, &ConfigurationError{Profile: attempt.Profile, Reason: "secret path is not set"}
	}
	if profile.UsernameKey == "" {
		return nil, &ConfigurationError{Profile: attempt.Profile, Reason: "username key is not set"}
	}
	if profile.PasswordKey == "" {
		return nil, &ConfigurationError{Profile: attempt.Profile, Reason: "password key is not set"}
	}

	start := time.Now()
	secret, err := b.fetcher.FetchSecret(ctx, profile.SecretPath)
	if b.metrics != nil {
		b.metrics.FetchDuration.WithLabelValues(attempt.Profile).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if b.metrics != nil {
			b.metrics.FetchesTotal.WithLabelValues(attempt.Profile, "error").Inc()
		}
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.FetchesTotal.WithLabelValues(attempt.Profile, "success").Inc()
	}

	lease := &domain.Lease{
		ID:         uuid.New(),
		LeaseID:    secret.LeaseID,
		AttemptKey: attempt.Key,
		Profile:    attempt.Profile,
		CreatedAt:  time.Now().UTC(),
	}
	b.registry.RegisterPending(lease)
	b.syncGauges()

	username, hasUser := secret.Values[profile.UsernameKey]
	password, hasPass := secret.Values[profile.PasswordKey]
	if !hasUser || !hasPass {
		missing := profile.UsernameKey
		if hasUser {
			missing = profile.PasswordKey
		}
		// The secret is unusable but its lease is live. Clean up before
		// surfacing the error so the caller never observes an unrevoked
		// lease alongside the failure.
		if b.registry.RemovePendingLease(lease) {
			b.revoke(ctx, lease, "secret_key_missing")
		}
		b.syncGauges()
		return nil, &SecretKeyError{
			Profile:    attempt.Profile,
			SecretPath: profile.SecretPath,
			Key:        missing,
		}
	}

	attempt.Properties[PropertyUser] = username
	attempt.Properties[PropertyPassword] = password

	if b.metrics != nil {
		b.metrics.LeasesIssuedTotal.WithLabelValues(attempt.Profile).Inc()
	}
	b.logger.InfoContext(ctx, "lease issued",
		slog.String("attempt_key", string(attempt.Key)),
		slog.String("profile", attempt.Profile),
		slog.String("lease_id", lease.LeaseID))
	b.record(ctx, lease, domain.EventIssued, "")

	return lease, nil
}

// Connected transfers the attempt's pending lease to the established
// connection. A missing pending lease is a bookkeeping defect: the error is
// returned to the caller and reported loudly, because a credential may now be
// in use with no lease tracked for it.
func (b *Broker) Connected(ctx context.Context, key domain.AttemptKey, conn domain.ConnectionID) (*domain.Lease, error) {
	lease, err := b.registry.TransferToActive(key, conn)
	if err != nil {
		b.defect(ctx, "no_pending_lease", fmt.Sprintf("connected notification for attempt %q with no pending lease", key), key, conn)
		return nil, err
	}
	b.syncGauges()

	b.logger.InfoContext(ctx, "lease activated",
		slog.String("attempt_key", string(key)),
		slog.String("connection_id", string(conn)),
		slog.String("lease_id", lease.LeaseID))
	b.record(ctx, lease, domain.EventActivated, "")
	return lease, nil
}

// ConnectionFailed removes the attempt's pending lease and revokes it. A
// missing pending lease is reported as a defect but not returned as an error:
// there is nothing left for the host to act on.
func (b *Broker) ConnectionFailed(ctx context.Context, key domain.AttemptKey) {
	lease := b.registry.RemovePending(key)
	if lease == nil {
		b.defect(ctx, "no_pending_lease", fmt.Sprintf("failed notification for attempt %q with no pending lease", key), key, "")
		return
	}
	b.syncGauges()

	b.logger.InfoContext(ctx, "connection attempt failed, revoking lease",
		slog.String("attempt_key", string(key)),
		slog.String("lease_id", lease.LeaseID))
	b.record(ctx, lease, domain.EventFailed, "")
	b.revoke(ctx, lease, "failed")
}

// ConnectionClosed removes the connection's active lease and revokes it.
// Unknown connections are a no-op: the host may report closes for
// connections that were never intercepted.
func (b *Broker) ConnectionClosed(ctx context.Context, conn domain.ConnectionID) {
	lease := b.registry.RemoveActive(conn)
	if lease == nil {
		b.logger.DebugContext(ctx, "close for untracked connection",
			slog.String("connection_id", string(conn)))
		return
	}
	b.syncGauges()

	b.logger.InfoContext(ctx, "connection closed, revoking lease",
		slog.String("connection_id", string(conn)),
		slog.String("lease_id", lease.LeaseID))
	b.record(ctx, lease, domain.EventClosed, "")
	b.revoke(ctx, lease, "closed")
}

// record appends an audit event and publishes it to live subscribers.
func (b *Broker) record(ctx context.Context, lease *domain.Lease, event, detail string) {
	ev := domain.LeaseEvent{
		ID:         uuid.New(),
		LeaseRef:   lease.ID,
		LeaseID:    lease.LeaseID,
		AttemptKey: string(lease.AttemptKey),
		Connection: string(lease.Connection),
		Profile:    lease.Profile,
		Event:      event,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if b.audit != nil {
		if err := b.audit.RecordLeaseEvent(ctx, &ev); err != nil {
			b.logger.WarnContext(ctx, "audit record failed",
				slog.String("event", event),
				slog.String("error", err.Error()))
		}
	}
	if b.events != nil {
		b.events.Publish(ev)
	}
}

// defect reports a lifecycle notification that could not be matched to a
// tracked lease.
func (b *Broker) defect(ctx context.Context, kind, detail string, key domain.AttemptKey, conn domain.ConnectionID) {
	b.logger.ErrorContext(ctx, "lease bookkeeping defect",
		slog.String("kind", kind),
		slog.String("attempt_key", string(key)),
		slog.String("connection_id", string(conn)),
		slog.String("detail", detail))
	if b.metrics != nil {
		b.metrics.LeaseDefectsTotal.WithLabelValues(kind).Inc()
	}

	ev := domain.LeaseEvent{
		ID:         uuid.New(),
		AttemptKey: string(key),
		Connection: string(conn),
		Event:      domain.EventDefect,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if b.audit != nil {
		if err := b.audit.RecordLeaseEvent(ctx, &ev); err != nil {
			b.logger.WarnContext(ctx, "audit record failed",
				slog.String("event", domain.EventDefect),
				slog.String("error", err.Error()))
		}
	}
	if b.events != nil {
		b.events.Publish(ev)
	}
	b.notifier.Notify(&notification.Message{
		Subject: "lease bookkeeping defect",
		Body:    detail,
		Metadata: map[string]string{
			"kind":        kind,
			"attempt_key": string(key),
		},
	})
}

func (b *Broker) syncGauges() {
	if b.metrics == nil {
		return
	}
	b.metrics.PendingLeases.Set(float64(b.registry.PendingCount()))
	b.metrics.ActiveLeases.Set(float64(b.registry.ActiveCount()))
}
