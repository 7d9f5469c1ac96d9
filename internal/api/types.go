package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/appointment"
)

type ScheduleAppointmentRequest struct {
	PatientID      string    `json:"patientId"`
	ProfessionalID string    `json:"professionalId"`
	ScheduledTime  time.Time `json:"scheduledTime"`
	Type           string    `json:"type"`
	Observations   string    `json:"observations,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason     string `json:"reason"`
	CanceledBy string `json:"canceledBy"`
}

type ChangeStatusRequest struct {
	Status string `json:"status"`
}

type RescheduleAppointmentRequest struct {
	NewTime       time.Time `json:"newTime"`
	Reason        string    `json:"reason"`
	RescheduledBy string    `json:"rescheduledBy"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       string     `json:"patientId"`
	ProfessionalID  string     `json:"professionalId"`
	ScheduledTime   time.Time  `json:"scheduledTime"`
	EndTime         time.Time  `json:"endTime"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	Observations    string     `json:"observations,omitempty"`
	RescheduledFrom *uuid.UUID `json:"rescheduledFrom,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Version         int64      `json:"version"`
}

func toResponse(a *appointment.Appointment, slot time.Duration) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		ProfessionalID:  a.ProfessionalID,
		ScheduledTime:   a.ScheduledTime,
		EndTime:         a.ScheduledTime.Add(slot),
		Type:            string(a.Type),
		Status:          string(a.Status),
		Observations:    a.Observations,
		RescheduledFrom: a.RescheduledFrom,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		Version:         a.Version,
	}
}

type ErrorResponse struct {
	Error          string      `json:"error"`
	Details        string      `json:"details,omitempty"`
	ConflictingIDs []uuid.UUID `json:"conflictingIds,omitempty"`
}
