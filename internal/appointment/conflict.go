package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/clinicflow/internal/types"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether w and o share any instant. Touching intervals do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// ConflictDetector finds overlaps between a candidate slot and a professional's
// active appointments. Every appointment lasts SlotDuration.
type ConflictDetector struct {
	SlotDuration time.Duration
}

// Conflicts returns the IDs of all active appointments of professionalID whose
// window overlaps candidate. Appointments of other professionals, inactive ones
// and the excluded ID are skipped.
func (d ConflictDetector) Conflicts(professionalID string, candidate Window, existing []Appointment, exclude uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	for _, a := range existing {
		if a.ProfessionalID != professionalID || !a.Status.Active() {
			continue
		}
		if exclude != uuid.Nil && a.ID == exclude {
			continue
		}
		if candidate.Overlaps(a.Window(d.SlotDuration)) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Check fails with a Conflict error listing every overlapping appointment.
func (d ConflictDetector) Check(professionalID string, candidate Window, existing []Appointment, exclude uuid.UUID) error {
	if ids := d.Conflicts(professionalID, candidate, existing, exclude); len(ids) > 0 {
		return types.Conflict("check conflicts", ids)
	}
	return nil
}
