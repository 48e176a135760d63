package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/nvx/dynsecrets/internal/domain"
)

// LeaseEventModel is the GORM model for audit records. Shared with the
// SQLite backend: GORM's dialects handle the SQL differences transparently.
type LeaseEventModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	LeaseRef   string    `gorm:"size:36;index"`
	LeaseID    string    `gorm:"index"`
	AttemptKey string    `gorm:"index"`
	Connection string    `gorm:"index"`
	Profile    string
	Event      string    `gorm:"index"`
	Detail     string
	CreatedAt  time.Time `gorm:"index"`
}

// TableName overrides GORM's default pluralization.
func (LeaseEventModel) TableName() string { return "lease_events" }

func toLeaseEventModel(ev *domain.LeaseEvent) *LeaseEventModel {
	return &LeaseEventModel{
		ID:         ev.ID.String(),
		LeaseRef:   ev.LeaseRef.String(),
		LeaseID:    ev.LeaseID,
		AttemptKey: ev.AttemptKey,
		Connection: ev.Connection,
		Profile:    ev.Profile,
		Event:      ev.Event,
		Detail:     ev.Detail,
		CreatedAt:  ev.CreatedAt,
	}
}

func fromLeaseEventModel(m *LeaseEventModel) domain.LeaseEvent {
	id, _ := uuid.Parse(m.ID)
	ref, _ := uuid.Parse(m.LeaseRef)
	return domain.LeaseEvent{
		ID:         id,
		LeaseRef:   ref,
		LeaseID:    m.LeaseID,
		AttemptKey: m.AttemptKey,
		Connection: m.Connection,
		Profile:    m.Profile,
		Event:      m.Event,
		Detail:     m.Detail,
		CreatedAt:  m.CreatedAt,
	}
}
