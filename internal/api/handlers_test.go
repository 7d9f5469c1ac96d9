package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/appointment"
	"github.com/clinicflow/clinicflow/internal/config"
	"github.com/clinicflow/clinicflow/internal/professional"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2099, 3, 16, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	professionals := professional.NewStub(
		professional.Professional{ID: "prof-1", Name: "Dr. Lima", Active: true, Valid: true},
		professional.Professional{ID: "prof-retired", Name: "Dr. Reis", Active: false, Valid: true},
	)
	svc := appointment.NewService(appointment.NewMemoryStore(), professionals, nil, nil,
		appointment.DefaultConfig(), discardLogger())

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Service:   svc,
		RateLimit: config.RateLimitConfig{Enabled: false},
		CORS:      config.DefaultConfig().CORS,
		Logger:    discardLogger(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func schedule(t *testing.T, srv *httptest.Server, professionalID string, at time.Time) *http.Response {
	t.Helper()
	return post(t, srv, "/appointments", ScheduleAppointmentRequest{
		PatientID:      "patient-1",
		ProfessionalID: professionalID,
		ScheduledTime:  at,
		Type:           "first-consultation",
	})
}

func TestScheduleAndGet(t *testing.T) {
	srv := newTestServer(t)

	resp := schedule(t, srv, "prof-1", baseTime)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decode[AppointmentResponse](t, resp)
	if created.Status != "SCHEDULED" || created.Type != "FIRST_CONSULTATION" {
		t.Fatalf("unexpected appointment %+v", created)
	}
	if !created.EndTime.Equal(baseTime.Add(30 * time.Minute)) {
		t.Fatalf("end time = %s", created.EndTime)
	}
	if loc := resp.Header.Get("Location"); loc != "/appointments/"+created.ID.String() {
		t.Fatalf("location = %q", loc)
	}

	got, err := http.Get(srv.URL + "/appointments/" + created.ID.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", got.StatusCode)
	}
	if fetched := decode[AppointmentResponse](t, got); fetched.ID != created.ID {
		t.Fatalf("fetched %s, want %s", fetched.ID, created.ID)
	}
}

func TestScheduleConflictReturnsConflictingIDs(t *testing.T) {
	srv := newTestServer(t)

	first := decode[AppointmentResponse](t, schedule(t, srv, "prof-1", baseTime))

	resp := schedule(t, srv, "prof-1", baseTime.Add(15*time.Minute))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	body := decode[ErrorResponse](t, resp)
	if body.Error != "schedule_conflict" || len(body.ConflictingIDs) != 1 || body.ConflictingIDs[0] != first.ID {
		t.Fatalf("unexpected conflict body %+v", body)
	}

	// Back-to-back is allowed.
	if resp := schedule(t, srv, "prof-1", baseTime.Add(30*time.Minute)); resp.StatusCode != http.StatusCreated {
		t.Fatalf("adjacent slot status = %d", resp.StatusCode)
	}
}

func TestScheduleErrors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "unknown type",
			body:   ScheduleAppointmentRequest{PatientID: "p", ProfessionalID: "prof-1", ScheduledTime: baseTime, Type: "surgery"},
			status: http.StatusBadRequest,
			code:   "invalid_type",
		},
		{
			name:   "past time",
			body:   ScheduleAppointmentRequest{PatientID: "p", ProfessionalID: "prof-1", ScheduledTime: time.Now().Add(-time.Hour), Type: "EXAM"},
			status: http.StatusBadRequest,
			code:   "validation_failed",
		},
		{
			name:   "missing patient",
			body:   ScheduleAppointmentRequest{ProfessionalID: "prof-1", ScheduledTime: baseTime, Type: "EXAM"},
			status: http.StatusBadRequest,
			code:   "validation_failed",
		},
		{
			name:   "unknown professional",
			body:   ScheduleAppointmentRequest{PatientID: "p", ProfessionalID: "nobody", ScheduledTime: baseTime, Type: "EXAM"},
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name:   "inactive professional",
			body:   ScheduleAppointmentRequest{PatientID: "p", ProfessionalID: "prof-retired", ScheduledTime: baseTime, Type: "EXAM"},
			status: http.StatusBadRequest,
			code:   "validation_failed",
		},
		{
			name:   "unknown field",
			body:   map[string]any{"patientId": "p", "slot": 3},
			status: http.StatusBadRequest,
			code:   "invalid_request_body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv, "/appointments", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if body := decode[ErrorResponse](t, resp); body.Error != tt.code {
				t.Fatalf("error code = %q, want %q", body.Error, tt.code)
			}
		})
	}
}

func TestGetAppointmentErrors(t *testing.T) {
	srv := newTestServer(t)

	for path, want := range map[string]int{
		"/appointments/not-a-uuid":          http.StatusBadRequest,
		"/appointments/" + uuid.NewString(): http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestCancelTwiceIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	created := decode[AppointmentResponse](t, schedule(t, srv, "prof-1", baseTime))
	path := "/appointments/" + created.ID.String() + "/cancel"

	resp := post(t, srv, path, CancelAppointmentRequest{Reason: "travel", CanceledBy: "patient-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if got := decode[AppointmentResponse](t, resp); got.Status != "CANCELLED" {
		t.Fatalf("status after cancel = %s", got.Status)
	}

	if resp := post(t, srv, path, CancelAppointmentRequest{Reason: "again"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel = %d, want 404", resp.StatusCode)
	}

	// The slot is free again.
	if resp := schedule(t, srv, "prof-1", baseTime); resp.StatusCode != http.StatusCreated {
		t.Fatalf("rebooking cancelled slot = %d", resp.StatusCode)
	}
}

func TestChangeStatus(t *testing.T) {
	srv := newTestServer(t)
	created := decode[AppointmentResponse](t, schedule(t, srv, "prof-1", baseTime))
	path := "/appointments/" + created.ID.String() + "/status"

	steps := []struct {
		status string
		want   int
	}{
		{"confirmed", http.StatusOK},
		{"confirmed", http.StatusBadRequest},
		{"in-progress", http.StatusOK},
		{"COMPLETED", http.StatusOK},
		{"NO_SHOW", http.StatusBadRequest},
		{"sleeping", http.StatusBadRequest},
	}
	for _, step := range steps {
		resp := post(t, srv, path, ChangeStatusRequest{Status: step.status})
		if resp.StatusCode != step.want {
			t.Fatalf("status %s = %d, want %d", step.status, resp.StatusCode, step.want)
		}
	}
}

func TestReschedule(t *testing.T) {
	srv := newTestServer(t)
	created := decode[AppointmentResponse](t, schedule(t, srv, "prof-1", baseTime))

	// Moving within its own window does not conflict with itself.
	resp := post(t, srv, "/appointments/"+created.ID.String()+"/reschedule", RescheduleAppointmentRequest{
		NewTime:       baseTime.Add(15 * time.Minute),
		Reason:        "doctor late",
		RescheduledBy: "reception",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reschedule status = %d", resp.StatusCode)
	}
	moved := decode[AppointmentResponse](t, resp)
	if moved.ID == created.ID || moved.RescheduledFrom == nil || *moved.RescheduledFrom != created.ID {
		t.Fatalf("unexpected replacement %+v", moved)
	}

	old, err := http.Get(srv.URL + "/appointments/" + created.ID.String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer old.Body.Close()
	if got := decode[AppointmentResponse](t, old); got.Status != "CANCELLED" {
		t.Fatalf("original status = %s, want CANCELLED", got.Status)
	}
}
