package professional

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/clinicflow/clinicflow/internal/types"
)

// Stub is an in-memory professional directory used when no professional
// service is configured.
type Stub struct {
	mu            sync.RWMutex
	professionals map[string]Professional
}

func NewStub(professionals ...Professional) *Stub {
	s := &Stub{professionals: make(map[string]Professional)}
	for _, p := range professionals {
		s.Put(p)
	}
	return s
}

// ParseStub builds a Stub from "id=Name" pairs separated by commas. Every
// parsed professional is valid and active.
func ParseStub(raw string) (*Stub, error) {
	s := NewStub()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid professional entry %q, want id=Name", entry)
		}
		s.Put(Professional{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name), Active: true, Valid: true})
	}
	return s, nil
}

// Put adds or replaces a professional.
func (s *Stub) Put(p Professional) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.professionals[p.ID] = p
}

func (s *Stub) get(id string) (Professional, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.professionals[id]
	return p, ok
}

func (s *Stub) ProfessionalExists(_ context.Context, id string) (bool, error) {
	_, ok := s.get(id)
	return ok, nil
}

func (s *Stub) IsValidAndActiveProfessional(_ context.Context, id string) (bool, error) {
	p, ok := s.get(id)
	return ok && p.Valid && p.Active, nil
}

func (s *Stub) ProfessionalName(_ context.Context, id string) (string, error) {
	p, ok := s.get(id)
	if !ok {
		return "", types.NotFound("professional name", "professional %s not found", id)
	}
	return p.Name, nil
}
