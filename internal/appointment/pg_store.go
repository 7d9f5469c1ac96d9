package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/clinicflow/internal/types"
)

// PgStore is the Postgres-backed Store. Appointment rows carry their own version;
// the professional_agendas table carries the per-professional stamp that
// serializes inserts.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const appointmentColumns = `id, patient_id, professional_id, scheduled_time, type, status,
	observations, rescheduled_from, created_at, updated_at, version`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var observations *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProfessionalID,
		&a.ScheduledTime,
		&a.Type,
		&a.Status,
		&observations,
		&a.RescheduledFrom,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Version,
	)
	if err != nil {
		return nil, err
	}
	if observations != nil {
		a.Observations = *observations
	}
	return &a, nil
}

func (s *PgStore) FindByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)

	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NotFound("find appointment", "appointment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find appointment %s: %w", id, err)
	}
	return a, nil
}

func (s *PgStore) FindActiveByProfessional(ctx context.Context, professionalID string, from, to time.Time) (*Agenda, error) {
	// Version and rows must come from the same snapshot.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin agenda read: %w", err)
	}
	defer tx.Rollback(ctx)

	agenda := &Agenda{ProfessionalID: professionalID}

	err = tx.QueryRow(ctx, `
		SELECT version FROM professional_agendas WHERE professional_id = $1
	`, professionalID).Scan(&agenda.Version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read agenda version: %w", err)
	}

	active := make([]string, len(ActiveStatuses))
	for i, st := range ActiveStatuses {
		active[i] = string(st)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE professional_id = $1
		  AND status = ANY($2)
		  AND scheduled_time >= $3
		  AND scheduled_time < $4
		ORDER BY scheduled_time
	`, professionalID, active, from, to)
	if err != nil {
		return nil, fmt.Errorf("query active appointments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		agenda.Appointments = append(agenda.Appointments, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit agenda read: %w", err)
	}
	return agenda, nil
}

// Create, Update and Replace work on copies and hand the stored timestamps and
// versions back to the caller only once the transaction has committed.

func (s *PgStore) Create(ctx context.Context, a *Appointment, agendaVersion int64) (WriteResult, error) {
	row := *a
	res, err := s.inTx(ctx, func(tx pgx.Tx) (WriteResult, error) {
		ok, err := bumpAgenda(ctx, tx, row.ProfessionalID, agendaVersion)
		if err != nil || !ok {
			return WriteStale, err
		}
		if err := insertAppointment(ctx, tx, &row); err != nil {
			return WriteStale, err
		}
		return WriteCommitted, nil
	})
	if res == WriteCommitted {
		*a = row
	}
	return res, err
}

func (s *PgStore) Update(ctx context.Context, a *Appointment) (WriteResult, error) {
	row := *a
	res, err := s.inTx(ctx, func(tx pgx.Tx) (WriteResult, error) {
		return updateAppointment(ctx, tx, &row)
	})
	if res == WriteCommitted {
		*a = row
	}
	return res, err
}

func (s *PgStore) Replace(ctx context.Context, old, replacement *Appointment, agendaVersion int64) (WriteResult, error) {
	oldRow, newRow := *old, *replacement
	res, err := s.inTx(ctx, func(tx pgx.Tx) (WriteResult, error) {
		res, err := updateAppointment(ctx, tx, &oldRow)
		if err != nil || res == WriteStale {
			return WriteStale, err
		}
		ok, err := bumpAgenda(ctx, tx, newRow.ProfessionalID, agendaVersion)
		if err != nil || !ok {
			return WriteStale, err
		}
		if err := insertAppointment(ctx, tx, &newRow); err != nil {
			return WriteStale, err
		}
		return WriteCommitted, nil
	})
	if res == WriteCommitted {
		*old, *replacement = oldRow, newRow
	}
	return res, err
}

// PatientName resolves a patient's display name from the contacts table.
func (s *PgStore) PatientName(ctx context.Context, patientID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT name FROM contacts WHERE user_id = $1`, patientID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", types.NotFound("patient name", "patient %s not found", patientID)
	}
	if err != nil {
		return "", fmt.Errorf("patient name: %w", err)
	}
	return name, nil
}

// inTx runs fn in a transaction and commits only when fn reports WriteCommitted.
// A serialization failure at commit is reported as WriteStale.
func (s *PgStore) inTx(ctx context.Context, fn func(tx pgx.Tx) (WriteResult, error)) (WriteResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return WriteStale, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := fn(tx)
	if err != nil {
		if isSerializationFailure(err) {
			return WriteStale, nil
		}
		return WriteStale, err
	}
	if res != WriteCommitted {
		return res, nil
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return WriteStale, nil
		}
		return WriteStale, fmt.Errorf("commit: %w", err)
	}
	return WriteCommitted, nil
}

// bumpAgenda advances the professional's agenda version iff it still equals expected.
func bumpAgenda(ctx context.Context, tx pgx.Tx, professionalID string, expected int64) (bool, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO professional_agendas (professional_id, version)
		VALUES ($1, 0)
		ON CONFLICT (professional_id) DO NOTHING
	`, professionalID)
	if err != nil {
		return false, fmt.Errorf("ensure agenda: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE professional_agendas
		SET version = version + 1
		WHERE professional_id = $1
		  AND version = $2
	`, professionalID, expected)
	if err != nil {
		return false, fmt.Errorf("bump agenda: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertAppointment(ctx context.Context, tx pgx.Tx, a *Appointment) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, professional_id, scheduled_time, type, status,
			observations, rescheduled_from, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, now(), now(), 0)
		RETURNING created_at, updated_at, version
	`, a.ID, a.PatientID, a.ProfessionalID, a.ScheduledTime, a.Type, a.Status,
		a.Observations, a.RescheduledFrom,
	).Scan(&a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func updateAppointment(ctx context.Context, tx pgx.Tx, a *Appointment) (WriteResult, error) {
	err := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    scheduled_time = $4,
		    observations = NULLIF($5, ''),
		    updated_at = now(),
		    version = version + 1
		WHERE id = $1
		  AND version = $2
		RETURNING updated_at, version
	`, a.ID, a.Version, a.Status, a.ScheduledTime, a.Observations,
	).Scan(&a.UpdatedAt, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return WriteStale, fmt.Errorf("check appointment: %w", err)
		}
		if !exists {
			return WriteStale, types.NotFound("update appointment", "appointment %s not found", a.ID)
		}
		return WriteStale, nil
	}
	if err != nil {
		return WriteStale, fmt.Errorf("update appointment: %w", err)
	}
	return WriteCommitted, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
