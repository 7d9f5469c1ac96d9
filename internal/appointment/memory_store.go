package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/types"
)

// MemoryStore is an in-process Store with the same versioning contract as the
// Postgres store. It backs tests and local runs without a database.
type MemoryStore struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]Appointment
	agendas      map[string]int64
	now          func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[uuid.UUID]Appointment),
		agendas:      make(map[string]int64),
		now:          time.Now,
	}
}

func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, types.NotFound("find appointment", "appointment %s not found", id)
	}
	return &a, nil
}

func (s *MemoryStore) FindActiveByProfessional(_ context.Context, professionalID string, from, to time.Time) (*Agenda, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agenda := &Agenda{ProfessionalID: professionalID, Version: s.agendas[professionalID]}
	for _, a := range s.appointments {
		if a.ProfessionalID != professionalID || !a.Status.Active() {
			continue
		}
		if a.ScheduledTime.Before(from) || !a.ScheduledTime.Before(to) {
			continue
		}
		agenda.Appointments = append(agenda.Appointments, a)
	}
	sort.Slice(agenda.Appointments, func(i, j int) bool {
		return agenda.Appointments[i].ScheduledTime.Before(agenda.Appointments[j].ScheduledTime)
	})
	return agenda, nil
}

func (s *MemoryStore) Create(_ context.Context, a *Appointment, agendaVersion int64) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agendas[a.ProfessionalID] != agendaVersion {
		return WriteStale, nil
	}
	s.insertLocked(a)
	return WriteCommitted, nil
}

func (s *MemoryStore) Update(_ context.Context, a *Appointment) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.appointments[a.ID]
	if !ok {
		return WriteStale, types.NotFound("update appointment", "appointment %s not found", a.ID)
	}
	if current.Version != a.Version {
		return WriteStale, nil
	}
	s.updateLocked(a)
	return WriteCommitted, nil
}

func (s *MemoryStore) Replace(_ context.Context, old, replacement *Appointment, agendaVersion int64) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.appointments[old.ID]
	if !ok {
		return WriteStale, types.NotFound("replace appointment", "appointment %s not found", old.ID)
	}
	if current.Version != old.Version || s.agendas[replacement.ProfessionalID] != agendaVersion {
		return WriteStale, nil
	}
	s.updateLocked(old)
	s.insertLocked(replacement)
	return WriteCommitted, nil
}

func (s *MemoryStore) insertLocked(a *Appointment) {
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 0
	s.appointments[a.ID] = *a
	s.agendas[a.ProfessionalID]++
}

func (s *MemoryStore) updateLocked(a *Appointment) {
	a.Version++
	a.UpdatedAt = s.now()
	s.appointments[a.ID] = *a
}
