// Package events defines the appointment lifecycle events exchanged between the
// scheduler and the notifier, and their JSON wire encoding.
package events

// Routing keys on the business-events topic exchange.
const (
	RoutingScheduled     = "appointment.scheduled"
	RoutingCanceled      = "appointment.canceled"
	RoutingStatusChanged = "appointment.status.changed"
	RoutingRescheduled   = "appointment.rescheduled"

	// RoutingFailed is the fixed key of the dead-letter queue.
	RoutingFailed = "events.failed"
)

// RoutingKeys lists the business routing keys, one per event variant.
var RoutingKeys = []string{
	RoutingScheduled,
	RoutingCanceled,
	RoutingStatusChanged,
	RoutingRescheduled,
}

// Event is implemented by every appointment lifecycle event variant.
type Event interface {
	RoutingKey() string
	Meta() Common
}

// Common holds the fields every variant carries.
type Common struct {
	AggregateID      string `json:"aggregateId"`
	PatientID        string `json:"patientId"`
	ProfessionalID   string `json:"professionalId"`
	PatientName      string `json:"patientName"`
	ProfessionalName string `json:"professionalName"`
	OccurredOn       Time   `json:"occurredOn"`
}

func (c Common) Meta() Common { return c }

// AppointmentScheduled is emitted once a new appointment is committed.
type AppointmentScheduled struct {
	Common
	AppointmentDateTime Time   `json:"appointmentDateTime"`
	Observation         string `json:"observation"`
}

func (AppointmentScheduled) RoutingKey() string { return RoutingScheduled }

// AppointmentCanceled is emitted when an appointment is marked cancelled.
type AppointmentCanceled struct {
	Common
	Reason     string `json:"reason"`
	CanceledBy string `json:"canceledBy"`
}

func (AppointmentCanceled) RoutingKey() string { return RoutingCanceled }

// AppointmentStatusChanged is emitted on any other status transition.
type AppointmentStatusChanged struct {
	Common
	PreviousStatusName string `json:"previousStatusName"`
	NewStatusName      string `json:"newStatusName"`
}

func (AppointmentStatusChanged) RoutingKey() string { return RoutingStatusChanged }

// AppointmentRescheduled is emitted when an appointment is replaced by one at a new time.
// AggregateID refers to the replacement appointment.
type AppointmentRescheduled struct {
	Common
	PreviousAppointmentID string `json:"previousAppointmentId"`
	PreviousDateTime      Time   `json:"previousDateTime"`
	NewDateTime           Time   `json:"newDateTime"`
	Reason                string `json:"reason"`
	RescheduledBy         string `json:"rescheduledBy"`
}

func (AppointmentRescheduled) RoutingKey() string { return RoutingRescheduled }
