package vitals

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores readings. It is append-only.
type Repository interface {
	// Append assigns an ID when the reading has none and stores it.
	Append(ctx context.Context, r *VitalReading) error
	// ListByPatient returns readings newest first. since may be nil.
	ListByPatient(ctx context.Context, patientID uuid.UUID, since *time.Time, limit, offset int) ([]*VitalReading, int, error)
}
