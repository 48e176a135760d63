package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/registry"
	"github.com/nvx/dynsecrets/internal/vault"
)

// fakeVault implements SecretFetcher and LeaseRevoker in memory.
type fakeVault struct {
	mu       sync.Mutex
	secrets  map[string]*domain.Secret
	fetchErr error

	revoked   []string
	revokeErr error
	nextLease int
}

func newFakeVault() *fakeVault {
	return &fakeVault{secrets: make(map[string]*domain.Secret)}
}

func (f *fakeVault) setSecret(path string, values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[path] = &domain.Secret{Values: values}
}

func (f *fakeVault) FetchSecret(_ context.Context, path string) (*domain.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	secret, ok := f.secrets[path]
	if !ok {
		return nil, &vault.FetchError{Path: path, Err: vault.ErrSecretNotFound}
	}
	// Fresh lease per fetch, like a dynamic secrets engine.
	f.nextLease++
	return &domain.Secret{
		Values:  secret.Values,
		LeaseID: fmt.Sprintf("lease-%d", f.nextLease),
	}, nil
}

func (f *fakeVault) RevokeLease(_ context.Context, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, leaseID)
	return nil
}

func (f *fakeVault) revokedLeases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

func testProfiles() []config.ProfileConfig {
	return []config.ProfileConfig{
		{
			Name:        "reporting",
			SecretPath:  "database/creds/readonly",
			UsernameKey: "username",
			PasswordKey: "password",
		},
		{
			Name:        "broken",
			SecretPath:  "database/creds/readonly",
			UsernameKey: "username",
			// PasswordKey intentionally unset
		},
		{
			Name:        "no-path",
			UsernameKey: "username",
			PasswordKey: "password",
			// SecretPath intentionally unset
		},
		{
			Name:        "no-user-key",
			SecretPath:  "database/creds/readonly",
			PasswordKey: "password",
			// UsernameKey intentionally unset
		},
	}
}

func newTestBroker(t *testing.T, fv *fakeVault) *Broker {
	t.Helper()
	return New(fv, fv, registry.New(), testProfiles(), slog.New(slog.DiscardHandler), Options{})
}

func TestInterceptInjectsCredentials(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		"password": "s3cr3t",
	})
	b := newTestBroker(t, fv)

	attempt := &Attempt{
		Key:        "attempt-1",
		Profile:    "reporting",
		Properties: map[string]string{"host": "db.example.com"},
	}
	lease, err := b.Intercept(context.Background(), attempt)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	if attempt.Properties[PropertyUser] != "alice" {
		t.Errorf("user property = %q, want alice", attempt.Properties[PropertyUser])
	}
	if attempt.Properties[PropertyPassword] != "s3cr3t" {
		t.Errorf("password property = %q, want s3cr3t", attempt.Properties[PropertyPassword])
	}
	if attempt.Properties["host"] != "db.example.com" {
		t.Error("existing properties were lost")
	}
	if lease.LeaseID == "" {
		t.Error("lease ID not captured")
	}
	if b.Registry().PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", b.Registry().PendingCount())
	}
	if len(fv.revokedLeases()) != 0 {
		t.Errorf("revocations during successful intercept: %v", fv.revokedLeases())
	}
}

func TestInterceptUnknownProfile(t *testing.T) {
	fv := newFakeVault()
	b := newTestBroker(t, fv)

	_, err := b.Intercept(context.Background(), &Attempt{
		Key:        "attempt-1",
		Profile:    "nonexistent",
		Properties: map[string]string{},
	})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ConfigurationError", err)
	}
	if b.Registry().PendingCount() != 0 {
		t.Error("lease registered despite configuration error")
	}
}

func TestInterceptIncompleteProfile(t *testing.T) {
	// Each of the three required profile values must surface as a
	// configuration error when unset.
	tests := []struct {
		profile string
		reason  string
	}{
		{"no-path", "secret path is not set"},
		{"no-user-key", "username key is not set"},
		{"broken", "password key is not set"},
	}
	for _, tc := range tests {
		t.Run(tc.profile, func(t *testing.T) {
			fv := newFakeVault()
			fv.setSecret("database/creds/readonly", map[string]string{
				"username": "alice",
				"password": "s3cr3t",
			})
			b := newTestBroker(t, fv)

			_, err := b.Intercept(context.Background(), &Attempt{
				Key:        "attempt-1",
				Profile:    tc.profile,
				Properties: map[string]string{},
			})
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *ConfigurationError", err)
			}
			if ce.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", ce.Reason, tc.reason)
			}
			// Validation happens before any fetch.
			if len(fv.revokedLeases()) != 0 || b.Registry().PendingCount() != 0 {
				t.Error("fetch or registration happened despite incomplete profile")
			}
		})
	}
}

func TestInterceptFetchErrorPropagates(t *testing.T) {
	fv := newFakeVault()
	fv.fetchErr = &vault.FetchError{Path: "database/creds/readonly", Err: errors.New("connection refused")}
	b := newTestBroker(t, fv)

	_, err := b.Intercept(context.Background(), &Attempt{
		Key:        "attempt-1",
		Profile:    "reporting",
		Properties: map[string]string{},
	})
	var fe *vault.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *vault.FetchError", err)
	}
	if b.Registry().PendingCount() != 0 {
		t.Error("lease registered despite fetch failure")
	}
}

func TestInterceptMissingSecretKeyRevokesFirst(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		// no password field
	})
	b := newTestBroker(t, fv)

	attempt := &Attempt{
		Key:        "attempt-1",
		Profile:    "reporting",
		Properties: map[string]string{},
	}
	_, err := b.Intercept(context.Background(), attempt)
	var ske *SecretKeyError
	if !errors.As(err, &ske) {
		t.Fatalf("error type = %T, want *SecretKeyError", err)
	}
	if ske.Key != "password" {
		t.Errorf("missing key = %q, want password", ske.Key)
	}

	// The lease was revoked before the error surfaced and nothing is tracked.
	if got := fv.revokedLeases(); len(got) != 1 {
		t.Fatalf("revoked leases = %v, want exactly one", got)
	}
	if b.Registry().PendingCount() != 0 {
		t.Error("lease still pending after secret key error")
	}
	if _, ok := attempt.Properties[PropertyUser]; ok {
		t.Error("credentials injected despite secret key error")
	}
}

func TestLifecycleExactlyOnceRevocation(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		"password": "s3cr3t",
	})
	b := newTestBroker(t, fv)
	ctx := context.Background()

	lease, err := b.Intercept(ctx, &Attempt{
		Key:        "attempt-1",
		Profile:    "reporting",
		Properties: map[string]string{},
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	if _, err := b.Connected(ctx, "attempt-1", "conn-1"); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if len(fv.revokedLeases()) != 0 {
		t.Error("revocation before close")
	}

	b.ConnectionClosed(ctx, "conn-1")
	if got := fv.revokedLeases(); len(got) != 1 || got[0] != lease.LeaseID {
		t.Errorf("revoked = %v, want exactly [%s]", got, lease.LeaseID)
	}

	// A duplicate close must not revoke again.
	b.ConnectionClosed(ctx, "conn-1")
	if got := fv.revokedLeases(); len(got) != 1 {
		t.Errorf("revoked = %v after duplicate close, want one revocation", got)
	}
}

func TestConnectionFailedRevokes(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		"password": "s3cr3t",
	})
	b := newTestBroker(t, fv)
	ctx := context.Background()

	lease, err := b.Intercept(ctx, &Attempt{
		Key:        "attempt-1",
		Profile:    "reporting",
		Properties: map[string]string{},
	})
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	b.ConnectionFailed(ctx, "attempt-1")
	if got := fv.revokedLeases(); len(got) != 1 || got[0] != lease.LeaseID {
		t.Errorf("revoked = %v, want [%s]", got, lease.LeaseID)
	}
	if b.Registry().PendingCount() != 0 || b.Registry().ActiveCount() != 0 {
		t.Error("registry not empty after failed attempt")
	}
}

func TestConnectedWithoutPending(t *testing.T) {
	fv := newFakeVault()
	b := newTestBroker(t, fv)

	_, err := b.Connected(context.Background(), "attempt-1", "conn-1")
	var npe *registry.NoPendingLeaseError
	if !errors.As(err, &npe) {
		t.Fatalf("error type = %T, want *registry.NoPendingLeaseError", err)
	}
}

func TestClosedUntrackedConnection(t *testing.T) {
	fv := newFakeVault()
	b := newTestBroker(t, fv)

	b.ConnectionClosed(context.Background(), "conn-unknown")
	if len(fv.revokedLeases()) != 0 {
		t.Errorf("revocations for untracked close: %v", fv.revokedLeases())
	}
}

func TestRevokeFailureNotPropagated(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		"password": "s3cr3t",
	})
	b := newTestBroker(t, fv)
	ctx := context.Background()

	if _, err := b.Intercept(ctx, &Attempt{
		Key:        "attempt-1",
		Profile:    "reporting",
		Properties: map[string]string{},
	}); err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if _, err := b.Connected(ctx, "attempt-1", "conn-1"); err != nil {
		t.Fatalf("Connected: %v", err)
	}

	fv.revokeErr = &vault.RevokeError{LeaseID: "lease-1", Err: errors.New("server error")}

	// ConnectionClosed must complete normally despite the revoke failure.
	b.ConnectionClosed(ctx, "conn-1")
	if b.Registry().ActiveCount() != 0 {
		t.Error("lease still tracked after close with failed revoke")
	}
}

// Concurrent retries of one run configuration share an attempt key. Issuing
// and activation interleave freely; no lease may be lost, and leases handed
// out by Intercept must stay readable while another goroutine activates a
// queued sibling.
func TestConcurrentLifecycleSharedAttemptKey(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		"password": "s3cr3t",
	})
	b := newTestBroker(t, fv)
	ctx := context.Background()
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			lease, err := b.Intercept(ctx, &Attempt{
				Key:        "shared",
				Profile:    "reporting",
				Properties: map[string]string{},
			})
			if err != nil {
				t.Errorf("intercept %d: %v", i, err)
				return
			}
			if lease.Connection != "" {
				t.Errorf("intercept %d: fresh lease already bound to %q", i, lease.Connection)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			conn := domain.ConnectionID(fmt.Sprintf("conn-%d", i))
			// The queue may be momentarily empty when activation outpaces
			// issuing; only genuine pairings count.
			if _, err := b.Connected(ctx, "shared", conn); err != nil {
				var npe *registry.NoPendingLeaseError
				if !errors.As(err, &npe) {
					t.Errorf("connected %d: %v", i, err)
					return
				}
			}
		}
	}()
	wg.Wait()

	pending := b.Registry().PendingCount()
	active := b.Registry().ActiveCount()
	if pending+active != iterations {
		t.Errorf("tracking %d leases (%d pending, %d active), want %d", pending+active, pending, active, iterations)
	}
	if len(fv.revokedLeases()) != 0 {
		t.Errorf("revocations without failure or close: %v", fv.revokedLeases())
	}
}

func TestConcurrentAttemptsIsolated(t *testing.T) {
	fv := newFakeVault()
	fv.setSecret("database/creds/readonly", map[string]string{
		"username": "alice",
		"password": "s3cr3t",
	})
	b := newTestBroker(t, fv)
	ctx := context.Background()
	const n = 25

	var wg sync.WaitGroup
	leases := make([]*domain.Lease, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := domain.AttemptKey(fmt.Sprintf("attempt-%d", i))
			lease, err := b.Intercept(ctx, &Attempt{
				Key:        key,
				Profile:    "reporting",
				Properties: map[string]string{},
			})
			if err != nil {
				t.Errorf("attempt %d: %v", i, err)
				return
			}
			leases[i] = lease

			if _, err := b.Connected(ctx, key, domain.ConnectionID(fmt.Sprintf("conn-%d", i))); err != nil {
				t.Errorf("attempt %d connected: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.ConnectionClosed(ctx, domain.ConnectionID(fmt.Sprintf("conn-%d", i)))
		}(i)
	}
	wg.Wait()

	revoked := fv.revokedLeases()
	if len(revoked) != n {
		t.Fatalf("revoked %d leases, want %d", len(revoked), n)
	}
	distinct := make(map[string]bool, n)
	for _, id := range revoked {
		if distinct[id] {
			t.Errorf("lease %q revoked twice", id)
		}
		distinct[id] = true
	}
	if b.Registry().PendingCount() != 0 || b.Registry().ActiveCount() != 0 {
		t.Error("registry not empty after all connections closed")
	}
}
