// Package notification turns appointment events into patient-facing and
// professional-facing notifications and hands them to a delivery gateway.
package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clinicflow/clinicflow/internal/events"
)

// Category groups notifications by the event that produced them.
type Category string

const (
	CategoryScheduled     Category = "APPOINTMENT_SCHEDULED"
	CategoryCanceled      Category = "APPOINTMENT_CANCELED"
	CategoryStatusChanged Category = "APPOINTMENT_STATUS_CHANGED"
	CategoryRescheduled   Category = "APPOINTMENT_RESCHEDULED"
)

// Role is the recipient's side of the appointment.
type Role string

const (
	RolePatient      Role = "PATIENT"
	RoleProfessional Role = "PROFESSIONAL"
)

// Notification is one message addressed to one user.
type Notification struct {
	Category Category          `json:"category"`
	Role     Role              `json:"role"`
	UserID   string            `json:"userId"`
	UserName string            `json:"userName"`
	Message  string            `json:"message"`
	Detail   map[string]string `json:"detail"`
}

// Gateway delivers a notification.
type Gateway interface {
	Send(ctx context.Context, n Notification) error
}

const displayLayout = "2006-01-02 15:04"

// Dispatcher fans an event out into two notifications and sends both.
type Dispatcher struct {
	gateway Gateway
	logger  *slog.Logger
}

func NewDispatcher(gateway Gateway, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{gateway: gateway, logger: logger}
}

// Dispatch sends the patient notification and then the professional one. The
// first failure is returned so the broker redelivers the event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) error {
	pair, err := Build(ev)
	if err != nil {
		return err
	}
	for _, n := range pair {
		if err := d.gateway.Send(ctx, n); err != nil {
			return fmt.Errorf("send %s notification to %s %s: %w", n.Category, n.Role, n.UserID, err)
		}
	}
	d.logger.Info("notifications sent",
		"routing_key", ev.RoutingKey(),
		"aggregate_id", ev.Meta().AggregateID,
	)
	return nil
}

// Build returns the patient and professional notifications for ev.
func Build(ev events.Event) ([2]Notification, error) {
	var (
		category            Category
		patientMsg, profMsg string
		extra               map[string]string
	)
	c := ev.Meta()

	switch e := ev.(type) {
	case events.AppointmentScheduled:
		category = CategoryScheduled
		when := display(e.AppointmentDateTime)
		patientMsg = fmt.Sprintf("Your appointment with %s is scheduled for %s.", c.ProfessionalName, when)
		profMsg = fmt.Sprintf("New appointment with %s scheduled for %s.", c.PatientName, when)
		extra = map[string]string{
			"appointmentDateTime": e.AppointmentDateTime.String(),
			"observation":         e.Observation,
		}
	case events.AppointmentCanceled:
		category = CategoryCanceled
		patientMsg = fmt.Sprintf("Your appointment with %s was cancelled.", c.ProfessionalName)
		profMsg = fmt.Sprintf("The appointment with %s was cancelled.", c.PatientName)
		if e.Reason != "" {
			patientMsg += " Reason: " + e.Reason
			profMsg += " Reason: " + e.Reason
		}
		extra = map[string]string{
			"reason":     e.Reason,
			"canceledBy": e.CanceledBy,
		}
	case events.AppointmentStatusChanged:
		category = CategoryStatusChanged
		patientMsg = fmt.Sprintf("Your appointment with %s is now %s.", c.ProfessionalName, e.NewStatusName)
		profMsg = fmt.Sprintf("The appointment with %s changed from %s to %s.", c.PatientName, e.PreviousStatusName, e.NewStatusName)
		extra = map[string]string{
			"previousStatus": e.PreviousStatusName,
			"newStatus":      e.NewStatusName,
		}
	case events.AppointmentRescheduled:
		category = CategoryRescheduled
		from, to := display(e.PreviousDateTime), display(e.NewDateTime)
		patientMsg = fmt.Sprintf("Your appointment with %s was moved from %s to %s.", c.ProfessionalName, from, to)
		profMsg = fmt.Sprintf("The appointment with %s was moved from %s to %s.", c.PatientName, from, to)
		extra = map[string]string{
			"previousAppointmentId": e.PreviousAppointmentID,
			"previousDateTime":      e.PreviousDateTime.String(),
			"newDateTime":           e.NewDateTime.String(),
			"reason":                e.Reason,
			"rescheduledBy":         e.RescheduledBy,
		}
	default:
		return [2]Notification{}, fmt.Errorf("no notification template for %T", ev)
	}

	patient := Notification{
		Category: category,
		Role:     RolePatient,
		UserID:   c.PatientID,
		UserName: c.PatientName,
		Message:  patientMsg,
		Detail:   detail(c, RolePatient, extra),
	}
	professional := Notification{
		Category: category,
		Role:     RoleProfessional,
		UserID:   c.ProfessionalID,
		UserName: c.ProfessionalName,
		Message:  profMsg,
		Detail:   detail(c, RoleProfessional, extra),
	}
	return [2]Notification{patient, professional}, nil
}

func detail(c events.Common, role Role, extra map[string]string) map[string]string {
	m := map[string]string{
		"appointmentId":  c.AggregateID,
		"patientId":      c.PatientID,
		"professionalId": c.ProfessionalID,
		"occurredOn":     c.OccurredOn.String(),
		"role":           string(role),
	}
	if role == RolePatient {
		m["counterpart"] = c.ProfessionalName
	} else {
		m["counterpart"] = c.PatientName
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func display(t events.Time) string {
	if t.IsZero() {
		return "an unspecified time"
	}
	return t.Time.Format(displayLayout)
}
