package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nvx/dynsecrets/internal/domain"
	"github.com/nvx/dynsecrets/internal/storage"
)

// LeaseEventRepository implements audit-record persistence on a GORM DB.
// Used by both the PostgreSQL and SQLite backends.
type LeaseEventRepository struct {
	db *gorm.DB
}

// NewLeaseEventRepository creates a repository on the given DB handle.
func NewLeaseEventRepository(db *gorm.DB) *LeaseEventRepository {
	return &LeaseEventRepository{db: db}
}

// Record appends one audit record. A zero event ID is assigned here.
func (r *LeaseEventRepository) Record(ctx context.Context, ev *domain.LeaseEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(toLeaseEventModel(ev)).Error; err != nil {
		return fmt.Errorf("recording lease event: %w", err)
	}
	return nil
}

// List returns audit records matching opts, newest first.
func (r *LeaseEventRepository) List(ctx context.Context, opts storage.ListOptions) ([]domain.LeaseEvent, error) {
	q := r.db.WithContext(ctx).Model(&LeaseEventModel{})
	if opts.AttemptKey != "" {
		q = q.Where("attempt_key = ?", opts.AttemptKey)
	}
	if opts.Event != "" {
		q = q.Where("event = ?", opts.Event)
	}

	var models []LeaseEventModel
	if err := q.Order("created_at DESC").Limit(opts.EffectiveLimit()).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing lease events: %w", err)
	}

	events := make([]domain.LeaseEvent, 0, len(models))
	for i := range models {
		events = append(events, fromLeaseEventModel(&models[i]))
	}
	return events, nil
}

// PurgeBefore deletes audit records older than cutoff.
func (r *LeaseEventRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&LeaseEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging lease events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
