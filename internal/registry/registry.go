// Package registry tracks leases through their lifecycle.
//
// A lease lives in exactly one of two tables at any instant: pending (keyed by
// the attempt that requested credentials) or active (keyed by the established
// connection). Removal from a table is the one-way gate to revocation — a
// lease removed here is never seen by the registry again, which is what makes
// exactly-once revocation enforceable by the caller.
package registry

import (
	"fmt"
	"sync"

	"github.com/nvx/dynsecrets/internal/domain"
)

// NoPendingLeaseError reports a lifecycle notification that arrived for an
// attempt with no pending lease. This is a defect, not a normal condition:
// either the host skipped interception or the pairing bookkeeping broke, and
// in both cases a lease may leak.
type NoPendingLeaseError struct {
	AttemptKey domain.AttemptKey
}

func (e *NoPendingLeaseError) Error() string {
	return fmt.Sprintf("no pending lease for attempt %q", e.AttemptKey)
}

// Registry is the in-memory lease table pair. All methods are safe for
// concurrent use; a single mutex guards both tables so a lease can move
// between them atomically.
type Registry struct {
	mu      sync.Mutex
	pending map[domain.AttemptKey][]*domain.Lease // FIFO per attempt key
	active  map[domain.ConnectionID]*domain.Lease
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pending: make(map[domain.AttemptKey][]*domain.Lease),
		active:  make(map[domain.ConnectionID]*domain.Lease),
	}
}

// RegisterPending records a freshly issued lease for the given attempt.
// Multiple leases may queue under one key when the host retries a run
// configuration; they are matched to connections in arrival order.
func (r *Registry) RegisterPending(lease *domain.Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[lease.AttemptKey] = append(r.pending[lease.AttemptKey], lease)
}

// TransferToActive pops the oldest pending lease for the attempt and files a
// detached copy, with Connection set, under the connection. Returns
// NoPendingLeaseError when nothing is pending — the caller must treat that as
// a defect signal, not swallow it.
//
// The registered lease is never mutated: pointers handed out at registration
// stay safe to read without the registry lock.
func (r *Registry) TransferToActive(key domain.AttemptKey, conn domain.ConnectionID) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[key]
	if len(queue) == 0 {
		return nil, &NoPendingLeaseError{AttemptKey: key}
	}
	lease := queue[0]
	if len(queue) == 1 {
		delete(r.pending, key)
	} else {
		r.pending[key] = queue[1:]
	}
	activated := *lease
	activated.Connection = conn
	r.active[conn] = &activated
	return &activated, nil
}

// RemovePending pops and returns the oldest pending lease for the attempt,
// or nil when nothing is pending. The returned lease is no longer tracked;
// the caller owns its revocation.
func (r *Registry) RemovePending(key domain.AttemptKey) *domain.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[key]
	if len(queue) == 0 {
		return nil
	}
	lease := queue[0]
	if len(queue) == 1 {
		delete(r.pending, key)
	} else {
		r.pending[key] = queue[1:]
	}
	return lease
}

// RemovePendingLease removes exactly the given lease from its pending queue.
// Used for cleanup paths that must not disturb other leases queued under the
// same attempt key. Reports whether the lease was still pending.
func (r *Registry) RemovePendingLease(lease *domain.Lease) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[lease.AttemptKey]
	for i, l := range queue {
		if l != lease {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(r.pending, lease.AttemptKey)
		} else {
			r.pending[lease.AttemptKey] = queue
		}
		return true
	}
	return false
}

// RemoveActive removes and returns the lease tracked for the connection, or
// nil when the connection is untracked (already failed, never intercepted, or
// closed twice). The returned lease is no longer tracked; the caller owns its
// revocation.
func (r *Registry) RemoveActive(conn domain.ConnectionID) *domain.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, ok := r.active[conn]
	if !ok {
		return nil
	}
	delete(r.active, conn)
	return lease
}

// PendingCount returns the total number of pending leases across all attempts.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.pending {
		n += len(q)
	}
	return n
}

// ActiveCount returns the number of active leases.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns copies of all currently tracked leases. The copies are
// detached: mutating them does not affect the registry.
func (r *Registry) Snapshot() (pending, active []domain.Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, queue := range r.pending {
		for _, l := range queue {
			pending = append(pending, *l)
		}
	}
	for _, l := range r.active {
		active = append(active, *l)
	}
	return pending, active
}
