package appointment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/clinicflow/internal/db"
	"github.com/clinicflow/clinicflow/internal/types"
)

// testPgStore connects to POSTGRES_DSN, applies the schema and skips the test
// when no database is configured.
func testPgStore(t *testing.T) (*PgStore, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPgStore(pool), pool
}

// pgProfessional returns a professional ID unique to this test and removes its
// rows afterwards.
func pgProfessional(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := "prof-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		pool.Exec(ctx, `DELETE FROM appointments WHERE professional_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM professional_agendas WHERE professional_id = $1`, id)
	})
	return id
}

func TestPgStore_CreateChecksAgendaVersion(t *testing.T) {
	s, pool := testPgStore(t)
	ctx := context.Background()
	prof := pgProfessional(t, pool)

	first := newAppointment(prof, at(10, 0))
	if res, err := s.Create(ctx, first, 0); err != nil || res != WriteCommitted {
		t.Fatalf("first create: %v, %v", res, err)
	}
	if first.Version != 0 || first.CreatedAt.IsZero() {
		t.Fatalf("create did not fill stored fields: %+v", first)
	}

	second := newAppointment(prof, at(12, 0))
	if res, err := s.Create(ctx, second, 0); err != nil || res != WriteStale {
		t.Fatalf("stale create: %v, %v", res, err)
	}
	if !second.CreatedAt.IsZero() {
		t.Fatal("stale create must leave the caller's appointment untouched")
	}
	if _, err := s.FindByID(ctx, second.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("stale create must not persist, got %v", err)
	}

	agenda, err := s.FindActiveByProfessional(ctx, prof, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("FindActiveByProfessional: %v", err)
	}
	if agenda.Version != 1 || len(agenda.Appointments) != 1 || agenda.Appointments[0].ID != first.ID {
		t.Fatalf("unexpected agenda %+v", agenda)
	}
}

func TestPgStore_UpdateChecksVersion(t *testing.T) {
	s, pool := testPgStore(t)
	ctx := context.Background()
	prof := pgProfessional(t, pool)

	a := newAppointment(prof, at(10, 0))
	if res, err := s.Create(ctx, a, 0); err != nil || res != WriteCommitted {
		t.Fatalf("create: %v, %v", res, err)
	}

	readerA, _ := s.FindByID(ctx, a.ID)
	readerB, _ := s.FindByID(ctx, a.ID)

	readerA.Status = StatusConfirmed
	if res, err := s.Update(ctx, readerA); err != nil || res != WriteCommitted {
		t.Fatalf("first update: %v, %v", res, err)
	}
	if readerA.Version != 1 {
		t.Fatalf("version after update = %d", readerA.Version)
	}

	readerB.Status = StatusCancelled
	if res, err := s.Update(ctx, readerB); err != nil || res != WriteStale {
		t.Fatalf("concurrent update: %v, %v", res, err)
	}
	if readerB.Version != 0 {
		t.Fatalf("stale update changed the caller's version to %d", readerB.Version)
	}

	stored, _ := s.FindByID(ctx, a.ID)
	if stored.Status != StatusConfirmed {
		t.Fatalf("stale update leaked, status %s", stored.Status)
	}

	if _, err := s.Update(ctx, newAppointment(prof, at(12, 0))); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("update of unknown appointment: %v", err)
	}
}

func TestPgStore_ReplaceIsAllOrNothing(t *testing.T) {
	s, pool := testPgStore(t)
	ctx := context.Background()
	prof := pgProfessional(t, pool)

	old := newAppointment(prof, at(10, 0))
	if res, err := s.Create(ctx, old, 0); err != nil || res != WriteCommitted {
		t.Fatalf("create: %v, %v", res, err)
	}
	// Agenda moved on since the caller read version 1.
	if res, err := s.Create(ctx, newAppointment(prof, at(15, 0)), 1); err != nil || res != WriteCommitted {
		t.Fatalf("second create: %v, %v", res, err)
	}

	cancelled := *old
	cancelled.Status = StatusCancelled
	replacement := newAppointment(prof, at(11, 0))
	replacement.RescheduledFrom = &old.ID

	// The original's update succeeds inside the transaction, then the agenda
	// check fails and both writes roll back.
	if res, err := s.Replace(ctx, &cancelled, replacement, 1); err != nil || res != WriteStale {
		t.Fatalf("stale replace: %v, %v", res, err)
	}
	stored, _ := s.FindByID(ctx, old.ID)
	if stored.Status != StatusScheduled || stored.Version != 0 {
		t.Fatalf("stale replace touched the original: %+v", stored)
	}
	if _, err := s.FindByID(ctx, replacement.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("stale replace inserted the replacement")
	}

	if res, err := s.Replace(ctx, &cancelled, replacement, 2); err != nil || res != WriteCommitted {
		t.Fatalf("replace: %v, %v", res, err)
	}
	stored, _ = s.FindByID(ctx, old.ID)
	if stored.Status != StatusCancelled || stored.Version != 1 {
		t.Fatalf("original after replace: %+v", stored)
	}
	got, err := s.FindByID(ctx, replacement.ID)
	if err != nil || got.RescheduledFrom == nil || *got.RescheduledFrom != old.ID {
		t.Fatalf("replacement not linked to original: %+v, %v", got, err)
	}
}

func TestPgStore_ConcurrentIdenticalBookings(t *testing.T) {
	s, pool := testPgStore(t)
	prof := pgProfessional(t, pool)

	svc := NewService(s,
		fakeProfessionals{prof: true},
		fakePatients{"patient-1": "Ana Souza"},
		nil,
		DefaultConfig(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	svc.now = func() time.Time { return testNow }

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ScheduleAppointment(context.Background(), request(prof, at(10, 0)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one booking, got %d (failures %v)", successes, failures)
	}
	for _, err := range failures {
		if !errors.Is(err, types.ErrConflict) && !errors.Is(err, types.ErrStaleWrite) {
			t.Fatalf("loser failed with %v, want conflict or stale write", err)
		}
	}

	agenda, err := s.FindActiveByProfessional(context.Background(), prof, at(0, 0), at(23, 59))
	if err != nil {
		t.Fatalf("FindActiveByProfessional: %v", err)
	}
	if len(agenda.Appointments) != 1 {
		t.Fatalf("expected one stored appointment, got %d", len(agenda.Appointments))
	}
}

func TestPgStore_PatientName(t *testing.T) {
	s, pool := testPgStore(t)
	ctx := context.Background()

	id := "patient-" + uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO contacts (user_id, name, email) VALUES ($1, $2, $3)`,
		id, "Ana Souza", "ana@example.com"); err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM contacts WHERE user_id = $1`, id) })

	name, err := s.PatientName(ctx, id)
	if err != nil || name != "Ana Souza" {
		t.Fatalf("PatientName = %q, %v", name, err)
	}
	if _, err := s.PatientName(ctx, "patient-missing-"+uuid.NewString()); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestIsSerializationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSerializationFailure(tt.err); got != tt.want {
				t.Fatalf("isSerializationFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
