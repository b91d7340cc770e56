package encounter

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// LoadActive returns the patient's planned or active encounter, or nil.
	LoadActive(ctx context.Context, patientID uuid.UUID) (*Encounter, error)
	// Save inserts or updates enc together with its history rows in one
	// transaction and bumps VersionID. Inserting a second open encounter for
	// a patient fails with a conflict error.
	Save(ctx context.Context, enc *Encounter, history ...*StatusHistory) error
	Get(ctx context.Context, id uuid.UUID) (*Encounter, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error)
	ListActiveByWard(ctx context.Context, ward string) ([]*Encounter, error)
	GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error)
}
