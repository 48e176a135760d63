// Package storage defines the audit-trail Store interface.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/nvx/dynsecrets/internal/domain"
)

// Storage driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store persists the lease-event audit trail.
// Credential material never reaches this layer: only lease IDs, attempt keys,
// connection IDs, and transition metadata are recorded.
// Both backends implement this interface.
type Store interface {
	// RecordLeaseEvent appends one audit record.
	RecordLeaseEvent(ctx context.Context, ev *domain.LeaseEvent) error

	// ListLeaseEvents returns audit records, newest first.
	ListLeaseEvents(ctx context.Context, opts ListOptions) ([]domain.LeaseEvent, error)

	// PurgeEventsBefore deletes audit records older than cutoff and returns
	// the number removed. Called by the retention janitor.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ListOptions filters and bounds an audit query.
type ListOptions struct {
	AttemptKey string // Filter by attempt key; empty matches all.
	Event      string // Filter by event type; empty matches all.
	Limit      int    // Max records returned. Default: 100, cap: 1000.
}

// EffectiveLimit clamps the requested page size.
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return 100
	case o.Limit > 1000:
		return 1000
	default:
		return o.Limit
	}
}
