// Package appointment implements conflict-aware appointment scheduling on top
// of an optimistically locked store, emitting one lifecycle event per
// committed transition.
package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// ParseStatus parses a status name case-insensitively, accepting '-' for '_'.
func ParseStatus(name string) (Status, bool) {
	s := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")))
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return s, true
	default:
		return "", false
	}
}

// Active reports whether an appointment in this status occupies its time window.
func (s Status) Active() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed out of this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

// ActiveStatuses lists the statuses that block a professional's time window.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed, StatusInProgress}

// Type is the kind of clinical encounter.
type Type string

const (
	TypeFirstConsultation Type = "FIRST_CONSULTATION"
	TypeFollowUp          Type = "FOLLOW_UP"
	TypeEmergency         Type = "EMERGENCY"
	TypeProcedure         Type = "PROCEDURE"
	TypeExam              Type = "EXAM"
	TypeVaccination       Type = "VACCINATION"
	TypeTelemedicine      Type = "TELEMEDICINE"
)

// ParseType parses an appointment type name case-insensitively, accepting '-' for '_'.
func ParseType(name string) (Type, bool) {
	t := Type(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")))
	switch t {
	case TypeFirstConsultation, TypeFollowUp, TypeEmergency, TypeProcedure,
		TypeExam, TypeVaccination, TypeTelemedicine:
		return t, true
	default:
		return "", false
	}
}

// Appointment is a booked encounter between a patient and a professional.
type Appointment struct {
	ID              uuid.UUID
	PatientID       string
	ProfessionalID  string
	ScheduledTime   time.Time
	Type            Type
	Status          Status
	Observations    string
	RescheduledFrom *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

// Window returns the half-open interval the appointment occupies.
func (a Appointment) Window(slot time.Duration) Window {
	return Window{Start: a.ScheduledTime, End: a.ScheduledTime.Add(slot)}
}

// Agenda is a professional's active appointments in a time range together with
// the version stamp a subsequent Create must match.
type Agenda struct {
	ProfessionalID string
	Version        int64
	Appointments   []Appointment
}

// ScheduleRequest holds the caller-supplied fields of a new appointment.
type ScheduleRequest struct {
	PatientID      string
	ProfessionalID string
	ScheduledTime  time.Time
	Type           Type
	Observations   string
}

// RescheduleRequest moves an appointment to a new time.
type RescheduleRequest struct {
	NewTime       time.Time
	Reason        string
	RescheduledBy string
}
