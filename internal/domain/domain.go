// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Secret is a credential bundle fetched from the secrets service.
// It is consumed once by the interceptor and never persisted — only the
// lease ID survives in the registry and the audit trail.
type Secret struct {
	Values  map[string]string // Named secret fields (e.g. "username", "password", "ttl").
	LeaseID string            // Vault lease identifier. Empty for static KV secrets.
}

// AttemptKey correlates a connection-establishment attempt with its pending
// lease. Hosts may reuse the same key for retries of one logical run
// configuration; the registry queues leases FIFO per key to keep the
// pairing unambiguous.
type AttemptKey string

// ConnectionID identifies an established connection reported by the host.
type ConnectionID string

// Lease is a claim on a revocable dynamic credential.
// Exactly one terminal action applies over its lifetime: revoke.
type Lease struct {
	ID         uuid.UUID    // Internal handle, unique per fetch.
	LeaseID    string       // Vault lease ID used for revocation.
	AttemptKey AttemptKey   // The attempt this lease was issued for.
	Connection ConnectionID // Set when the lease is transferred to active.
	Profile    string       // Connection profile name that produced the fetch.
	CreatedAt  time.Time
}

// LeaseState is the lifecycle state of a lease.
// created → pending → {active → closed-revoked} | failed-revoked.
type LeaseState string

const (
	LeasePending       LeaseState = "pending"
	LeaseActive        LeaseState = "active"
	LeaseClosedRevoked LeaseState = "closed_revoked"
	LeaseFailedRevoked LeaseState = "failed_revoked"
)

// Lease event types recorded in the audit trail.
const (
	EventIssued       = "issued"        // Secret fetched, pending lease registered.
	EventActivated    = "activated"     // Pending lease transferred to an established connection.
	EventRevoked      = "revoked"       // Lease revoked at the secrets service.
	EventRevokeFailed = "revoke_failed" // Revocation call failed; lease abandoned server-side.
	EventFailed       = "failed"        // Connection attempt failed before establishment.
	EventClosed       = "closed"        // Established connection closed.
	EventDefect       = "defect"        // Registry invariant violation (lost lease).
)

// LeaseEvent is a single audit record of a lease lifecycle transition.
type LeaseEvent struct {
	ID         uuid.UUID
	LeaseRef   uuid.UUID // Lease.ID. Zero for defect events with no matched lease.
	LeaseID    string
	AttemptKey string
	Connection string
	Profile    string
	Event      string // One of the Event* constants.
	Detail     string // Error text for revoke_failed/defect events.
	CreatedAt  time.Time
}

// ConnectionProfile holds the per-profile settings that drive credential
// interception: where the dynamic secret lives and which fields carry the
// username and password.
type ConnectionProfile struct {
	Name        string
	SecretPath  string // e.g. "database/creds/readonly" or "secret/data/db".
	UsernameKey string // Field within the secret holding the username.
	PasswordKey string // Field within the secret holding the password.
}
