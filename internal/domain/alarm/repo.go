package alarm

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Save inserts (VersionID 0) or updates the alarm and bumps VersionID. A
	// second open alarm for the same patient and parameter, or a stale
	// version, fails with a conflict error.
	Save(ctx context.Context, a *Alarm) error
	// LoadActive returns the patient's open (active or acknowledged) alarms.
	LoadActive(ctx context.Context, patientID uuid.UUID) ([]*Alarm, error)
	Get(ctx context.Context, id uuid.UUID) (*Alarm, error)
	// ListByPatient returns alarms newest first; status may be nil.
	ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]*Alarm, int, error)
	// Counts tallies open alarms by severity. A ward scope covers patients
	// whose active encounter is on that ward.
	Counts(ctx context.Context, scope CountScope) (Counts, error)
}
