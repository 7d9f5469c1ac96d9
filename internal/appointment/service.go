package appointment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/events"
	"github.com/clinicflow/clinicflow/internal/types"
)

// ProfessionalGateway is the professional-service contract used to validate bookings.
type ProfessionalGateway interface {
	IsValidAndActiveProfessional(ctx context.Context, professionalID string) (bool, error)
	ProfessionalExists(ctx context.Context, professionalID string) (bool, error)
	ProfessionalName(ctx context.Context, professionalID string) (string, error)
}

// PatientDirectory resolves patient display names.
type PatientDirectory interface {
	PatientName(ctx context.Context, patientID string) (string, error)
}

// EventPublisher receives one event per committed transition. Delivery is
// best-effort; the service never fails an operation because of it.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Config tunes the scheduling rules.
type Config struct {
	// SlotDuration is the fixed length of every appointment.
	SlotDuration time.Duration
	// StaleRetries is how many times a write that lost an optimistic-lock race
	// is re-run against fresh data before the StaleWrite error is surfaced.
	StaleRetries int
}

// DefaultConfig returns a 30 minute slot and one stale-write retry.
func DefaultConfig() Config {
	return Config{
		SlotDuration: 30 * time.Minute,
		StaleRetries: 1,
	}
}

// Service orchestrates validation, conflict detection, persistence and event emission.
type Service struct {
	store         Store
	professionals ProfessionalGateway
	patients      PatientDirectory
	publisher     EventPublisher
	detector      ConflictDetector
	config        Config
	logger        *slog.Logger
	now           func() time.Time
}

// NewService wires a scheduling service.
func NewService(store Store, professionals ProfessionalGateway, patients PatientDirectory,
	publisher EventPublisher, config Config, logger *slog.Logger) *Service {
	if config.SlotDuration <= 0 {
		config.SlotDuration = DefaultConfig().SlotDuration
	}
	if config.StaleRetries < 0 {
		config.StaleRetries = 0
	}
	return &Service{
		store:         store,
		professionals: professionals,
		patients:      patients,
		publisher:     publisher,
		detector:      ConflictDetector{SlotDuration: config.SlotDuration},
		config:        config,
		logger:        logger,
		now:           time.Now,
	}
}

// SlotDuration returns the configured appointment length.
func (s *Service) SlotDuration() time.Duration { return s.config.SlotDuration }

// ScheduleAppointment books a new appointment if the professional's window is free.
func (s *Service) ScheduleAppointment(ctx context.Context, req ScheduleRequest) (*Appointment, error) {
	const op = "schedule appointment"

	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ProfessionalID = strings.TrimSpace(req.ProfessionalID)
	if err := s.validateSchedule(op, req); err != nil {
		return nil, err
	}
	if err := s.checkProfessional(ctx, op, req.ProfessionalID); err != nil {
		return nil, err
	}

	var created *Appointment
	err := s.retryStale(ctx, op, func() error {
		agenda, err := s.readAgenda(ctx, req.ProfessionalID, req.ScheduledTime)
		if err != nil {
			return err
		}
		candidate := Window{Start: req.ScheduledTime, End: req.ScheduledTime.Add(s.config.SlotDuration)}
		if err := s.detector.Check(req.ProfessionalID, candidate, agenda.Appointments, uuid.Nil); err != nil {
			return err
		}

		appt := &Appointment{
			ID:             uuid.New(),
			PatientID:      req.PatientID,
			ProfessionalID: req.ProfessionalID,
			ScheduledTime:  req.ScheduledTime,
			Type:           req.Type,
			Status:         StatusScheduled,
			Observations:   req.Observations,
		}
		res, err := s.store.Create(ctx, appt, agenda.Version)
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		if res == WriteStale {
			return types.StaleWrite(op, "agenda of professional %s changed at version %d", req.ProfessionalID, agenda.Version)
		}
		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment scheduled",
		"appointment_id", created.ID,
		"professional_id", created.ProfessionalID,
		"patient_id", created.PatientID,
		"scheduled_time", created.ScheduledTime,
	)

	common := s.eventCommon(ctx, created)
	s.emit(ctx, events.AppointmentScheduled{
		Common:              common,
		AppointmentDateTime: events.At(created.ScheduledTime),
		Observation:         created.Observations,
	})
	return created, nil
}

// CancelAppointment marks an appointment cancelled. Cancelling an absent or
// already cancelled appointment is a NotFound error.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason, canceledBy string) (*Appointment, error) {
	const op = "cancel appointment"

	var cancelled *Appointment
	err := s.retryStale(ctx, op, func() error {
		appt, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status == StatusCancelled {
			return types.NotFound(op, "appointment %s is already cancelled", id)
		}
		if appt.Status.Terminal() {
			return types.Validation(op, "appointment %s is %s and cannot be cancelled", id, appt.Status)
		}

		appt.Status = StatusCancelled
		if err := s.update(ctx, op, appt); err != nil {
			return err
		}
		cancelled = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment cancelled", "appointment_id", id, "reason", reason)

	s.emit(ctx, events.AppointmentCanceled{
		Common:     s.eventCommon(ctx, cancelled),
		Reason:     reason,
		CanceledBy: canceledBy,
	})
	return cancelled, nil
}

// ChangeStatus moves an appointment to newStatus. Terminal statuses admit no
// further transition and a transition to the current status is rejected.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, newStatus Status) (*Appointment, error) {
	const op = "change appointment status"

	if _, ok := ParseStatus(string(newStatus)); !ok {
		return nil, types.Validation(op, "unknown status %q", newStatus)
	}

	var (
		changed  *Appointment
		previous Status
	)
	err := s.retryStale(ctx, op, func() error {
		appt, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return types.Validation(op, "appointment %s is %s; no further transitions allowed", id, appt.Status)
		}
		if appt.Status == newStatus {
			return types.Validation(op, "appointment %s is already %s", id, newStatus)
		}

		previous = appt.Status
		appt.Status = newStatus
		if err := s.update(ctx, op, appt); err != nil {
			return err
		}
		changed = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment status changed",
		"appointment_id", id,
		"previous_status", previous,
		"new_status", newStatus,
	)

	s.emit(ctx, events.AppointmentStatusChanged{
		Common:             s.eventCommon(ctx, changed),
		PreviousStatusName: string(previous),
		NewStatusName:      string(newStatus),
	})
	return changed, nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.ChangeStatus(ctx, id, StatusConfirmed)
}

func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.ChangeStatus(ctx, id, StatusInProgress)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.ChangeStatus(ctx, id, StatusCompleted)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.ChangeStatus(ctx, id, StatusNoShow)
}

// RescheduleAppointment cancels the appointment and books a linked replacement
// at req.NewTime in one atomic write. The old appointment does not count as a
// conflict for its own replacement.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	const op = "reschedule appointment"

	if req.NewTime.IsZero() {
		return nil, types.Validation(op, "new time is required")
	}
	if !req.NewTime.After(s.now()) {
		return nil, types.Validation(op, "new time %s must be in the future", req.NewTime.Format(time.RFC3339))
	}

	var old, replacement *Appointment
	err := s.retryStale(ctx, op, func() error {
		appt, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if appt.Status == StatusCancelled {
			return types.NotFound(op, "appointment %s is cancelled", id)
		}
		if appt.Status.Terminal() || appt.Status == StatusInProgress {
			return types.Validation(op, "appointment %s is %s and cannot be rescheduled", id, appt.Status)
		}

		agenda, err := s.readAgenda(ctx, appt.ProfessionalID, req.NewTime)
		if err != nil {
			return err
		}
		candidate := Window{Start: req.NewTime, End: req.NewTime.Add(s.config.SlotDuration)}
		if err := s.detector.Check(appt.ProfessionalID, candidate, agenda.Appointments, appt.ID); err != nil {
			return err
		}

		next := &Appointment{
			ID:              uuid.New(),
			PatientID:       appt.PatientID,
			ProfessionalID:  appt.ProfessionalID,
			ScheduledTime:   req.NewTime,
			Type:            appt.Type,
			Status:          StatusScheduled,
			Observations:    appt.Observations,
			RescheduledFrom: &appt.ID,
		}
		prev := *appt
		appt.Status = StatusCancelled

		res, err := s.store.Replace(ctx, appt, next, agenda.Version)
		if err != nil {
			return fmt.Errorf("replace appointment: %w", err)
		}
		if res == WriteStale {
			return types.StaleWrite(op, "appointment %s or its agenda changed concurrently", id)
		}
		old, replacement = &prev, next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("appointment rescheduled",
		"appointment_id", id,
		"replacement_id", replacement.ID,
		"previous_time", old.ScheduledTime,
		"new_time", replacement.ScheduledTime,
	)

	s.emit(ctx, events.AppointmentRescheduled{
		Common:                s.eventCommon(ctx, replacement),
		PreviousAppointmentID: old.ID.String(),
		PreviousDateTime:      events.At(old.ScheduledTime),
		NewDateTime:           events.At(replacement.ScheduledTime),
		Reason:                req.Reason,
		RescheduledBy:         req.RescheduledBy,
	})
	return replacement, nil
}

// GetAppointment returns a single appointment.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) validateSchedule(op string, req ScheduleRequest) error {
	switch {
	case req.PatientID == "":
		return types.Validation(op, "patient id is required")
	case req.ProfessionalID == "":
		return types.Validation(op, "professional id is required")
	case req.ScheduledTime.IsZero():
		return types.Validation(op, "scheduled time is required")
	case !req.ScheduledTime.After(s.now()):
		return types.Validation(op, "scheduled time %s must be in the future", req.ScheduledTime.Format(time.RFC3339))
	}
	if _, ok := ParseType(string(req.Type)); !ok {
		return types.Validation(op, "unknown appointment type %q", req.Type)
	}
	return nil
}

func (s *Service) checkProfessional(ctx context.Context, op, professionalID string) error {
	if s.professionals == nil {
		return nil
	}
	exists, err := s.professionals.ProfessionalExists(ctx, professionalID)
	if err != nil {
		return fmt.Errorf("%s: check professional %s: %w", op, professionalID, err)
	}
	if !exists {
		return types.NotFound(op, "professional %s not found", professionalID)
	}
	active, err := s.professionals.IsValidAndActiveProfessional(ctx, professionalID)
	if err != nil {
		return fmt.Errorf("%s: check professional %s: %w", op, professionalID, err)
	}
	if !active {
		return types.Validation(op, "professional %s is not active", professionalID)
	}
	return nil
}

// readAgenda loads the professional's active appointments starting in
// [start-slot, start+slot), the only starts whose slot can overlap one at start.
func (s *Service) readAgenda(ctx context.Context, professionalID string, start time.Time) (*Agenda, error) {
	slot := s.config.SlotDuration
	agenda, err := s.store.FindActiveByProfessional(ctx, professionalID, start.Add(-slot), start.Add(slot))
	if err != nil {
		return nil, fmt.Errorf("load agenda: %w", err)
	}
	return agenda, nil
}

func (s *Service) update(ctx context.Context, op string, appt *Appointment) error {
	version := appt.Version
	res, err := s.store.Update(ctx, appt)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if res == WriteStale {
		return types.StaleWrite(op, "appointment %s changed since version %d", appt.ID, version)
	}
	return nil
}

// retryStale runs fn and re-runs it up to StaleRetries times while it fails
// with a StaleWrite. fn must re-read everything it depends on.
func (s *Service) retryStale(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.config.StaleRetries; attempt++ {
		if err = fn(); !errors.Is(err, types.ErrStaleWrite) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Warn("optimistic lock lost, retrying",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return err
}

func (s *Service) eventCommon(ctx context.Context, a *Appointment) events.Common {
	return events.Common{
		AggregateID:      a.ID.String(),
		PatientID:        a.PatientID,
		ProfessionalID:   a.ProfessionalID,
		PatientName:      s.patientName(ctx, a.PatientID),
		ProfessionalName: s.professionalName(ctx, a.ProfessionalID),
		OccurredOn:       events.At(s.now()),
	}
}

// Names are display-only; a failed lookup falls back to the ID.
func (s *Service) patientName(ctx context.Context, id string) string {
	if s.patients == nil {
		return id
	}
	name, err := s.patients.PatientName(ctx, id)
	if err != nil || name == "" {
		s.logger.Debug("patient name lookup failed", "patient_id", id, "error", err)
		return id
	}
	return name
}

func (s *Service) professionalName(ctx context.Context, id string) string {
	if s.professionals == nil {
		return id
	}
	name, err := s.professionals.ProfessionalName(ctx, id)
	if err != nil || name == "" {
		s.logger.Debug("professional name lookup failed", "professional_id", id, "error", err)
		return id
	}
	return name
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("event publish failed",
			"routing_key", ev.RoutingKey(),
			"aggregate_id", ev.Meta().AggregateID,
			"error", err,
		)
	}
}
