package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WriteResult is the outcome of an optimistically locked write.
type WriteResult int

const (
	// WriteCommitted means the version check passed and the write is durable.
	WriteCommitted WriteResult = iota
	// WriteStale means a concurrent writer committed first; nothing was written.
	WriteStale
)

func (r WriteResult) String() string {
	if r == WriteCommitted {
		return "committed"
	}
	return "stale"
}

// Store is the transactional persistence contract the scheduling service relies on.
//
// Writes never block on each other: each one compares a version stamp and
// reports WriteStale instead of overwriting a concurrent commit.
type Store interface {
	// FindByID returns a NotFound error when no appointment has the given ID.
	FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// FindActiveByProfessional returns the professional's active appointments
	// with ScheduledTime in [from, to) and the agenda version they were read at.
	FindActiveByProfessional(ctx context.Context, professionalID string, from, to time.Time) (*Agenda, error)

	// Create inserts a, provided the professional's agenda is still at agendaVersion.
	// On commit it sets a.CreatedAt, a.UpdatedAt and a.Version (0).
	Create(ctx context.Context, a *Appointment, agendaVersion int64) (WriteResult, error)

	// Update persists a provided the stored row is still at a.Version.
	// On commit it increments a.Version and sets a.UpdatedAt.
	Update(ctx context.Context, a *Appointment) (WriteResult, error)

	// Replace atomically updates old (version-checked) and inserts replacement
	// (agenda-checked). Either both commit or neither does.
	Replace(ctx context.Context, old, replacement *Appointment, agendaVersion int64) (WriteResult, error)
}
