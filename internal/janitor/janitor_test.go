package janitor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/storage"
)

type fakeStore struct {
	storage.Store // panics on unimplemented methods

	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakeStore) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, nil
}

func (f *fakeStore) RecordLeaseEvent(context.Context, *domain.LeaseEvent) error { return nil }

func TestNewDisabled(t *testing.T) {
	j, err := New(nil, &fakeStore{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if j != nil {
		t.Errorf("janitor created for nil config")
	}
	// Nil janitor Start is a no-op.
	cancel := j.Start(context.Background())
	cancel()
}

func TestNewBadSchedule(t *testing.T) {
	_, err := New(&config.RetentionConfig{Enabled: true, Schedule: "not a schedule"}, &fakeStore{}, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestPurgeCutoff(t *testing.T) {
	store := &fakeStore{}
	j, err := New(&config.RetentionConfig{Enabled: true, MaxAgeDays: 7}, store, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	j.purge(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.cutoffs) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(store.cutoffs))
	}
	want := time.Now().UTC().Add(-7 * 24 * time.Hour)
	if diff := store.cutoffs[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want ~%v", store.cutoffs[0], want)
	}
}
