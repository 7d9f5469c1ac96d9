package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/appointment"
	"github.com/clinicflow/clinicflow/internal/types"
)

// AppointmentService is the scheduling core as seen by the HTTP layer.
type AppointmentService interface {
	ScheduleAppointment(ctx context.Context, req appointment.ScheduleRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason, canceledBy string) (*appointment.Appointment, error)
	ChangeStatus(ctx context.Context, id uuid.UUID, status appointment.Status) (*appointment.Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, req appointment.RescheduleRequest) (*appointment.Appointment, error)
	SlotDuration() time.Duration
}

type appointmentHandler struct {
	svc    AppointmentService
	logger *slog.Logger
}

func (h *appointmentHandler) schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	apptType, ok := appointment.ParseType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_type", "unknown appointment type "+req.Type)
		return
	}

	appt, err := h.svc.ScheduleAppointment(r.Context(), appointment.ScheduleRequest{
		PatientID:      req.PatientID,
		ProfessionalID: req.ProfessionalID,
		ScheduledTime:  req.ScheduledTime,
		Type:           apptType,
		Observations:   req.Observations,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/appointments/"+appt.ID.String())
	writeJSON(w, http.StatusCreated, toResponse(appt, h.svc.SlotDuration()))
}

func (h *appointmentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.svc.SlotDuration()))
}

func (h *appointmentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	var req CancelAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	appt, err := h.svc.CancelAppointment(r.Context(), id, req.Reason, req.CanceledBy)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.svc.SlotDuration()))
}

func (h *appointmentHandler) changeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	var req ChangeStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := appointment.ParseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+req.Status)
		return
	}
	appt, err := h.svc.ChangeStatus(r.Context(), id, status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt, h.svc.SlotDuration()))
}

func (h *appointmentHandler) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	var req RescheduleAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	appt, err := h.svc.RescheduleAppointment(r.Context(), id, appointment.RescheduleRequest{
		NewTime:       req.NewTime,
		Reason:        req.Reason,
		RescheduledBy: req.RescheduledBy,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/appointments/"+appt.ID.String())
	writeJSON(w, http.StatusCreated, toResponse(appt, h.svc.SlotDuration()))
}

// writeServiceError maps an error kind to its HTTP status.
func (h *appointmentHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch types.KindOf(err) {
	case types.KindValidation:
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case types.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case types.KindConflict:
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:          "schedule_conflict",
			Details:        err.Error(),
			ConflictingIDs: types.ConflictingIDs(err),
		})
	case types.KindStaleWrite:
		writeError(w, http.StatusConflict, "concurrent_modification", err.Error())
	case types.KindDependencyUnavailable:
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", err.Error())
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "request_timeout", "request did not complete in time")
			return
		}
		h.logger.Error("unhandled service error",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
