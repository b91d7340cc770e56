package encounter

import (
	"time"

	"github.com/google/uuid"
)

// Status of an encounter. Only planned and active are non-terminal.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// IsOpen reports whether the status counts toward the one-open-encounter limit.
func (s Status) IsOpen() bool { return s == StatusPlanned || s == StatusActive }

func (s Status) Valid() bool {
	switch s {
	case StatusPlanned, StatusActive, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// Type of care episode.
type Type string

const (
	TypeHospitalization Type = "hospitalization"
	TypeHomeCare        Type = "home-care"
	TypeAmbulatory      Type = "ambulatory"
)

func (t Type) Valid() bool {
	switch t {
	case TypeHospitalization, TypeHomeCare, TypeAmbulatory:
		return true
	}
	return false
}

// Action names a transition.
type Action string

const (
	ActionAdmit     Action = "admit"
	ActionStart     Action = "start"
	ActionTransfer  Action = "transfer"
	ActionDischarge Action = "discharge"
	ActionCancel    Action = "cancel"
)

// Encounter maps to the encounter table.
type Encounter struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	Type            Type       `db:"type" json:"type"`
	Status          Status     `db:"status" json:"status"`
	Ward            *string    `db:"ward" json:"ward,omitempty"`
	Bed             *string    `db:"bed" json:"bed,omitempty"`
	PlannedStart    *time.Time `db:"planned_start" json:"planned_start,omitempty"`
	AdmittedAt      *time.Time `db:"admitted_at" json:"admitted_at,omitempty"`
	DischargedAt    *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
	CancelledAt     *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Reason          *string    `db:"reason" json:"reason,omitempty"`
	DischargeReason *string    `db:"discharge_reason" json:"discharge_reason,omitempty"`
	AttendingID     *string    `db:"attending_id" json:"attending_id,omitempty"`
	LastActor       *string    `db:"last_actor" json:"last_actor,omitempty"`
	VersionID       int        `db:"version_id" json:"version_id"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// WardName returns the ward or "" for encounters without one.
func (e *Encounter) WardName() string { return strPtrVal(e.Ward) }

// StatusHistory maps to encounter_status_history. One row is written for
// every transition, including transfers that keep the status.
type StatusHistory struct {
	ID             uuid.UUID `db:"id" json:"id"`
	EncounterID    uuid.UUID `db:"encounter_id" json:"encounter_id"`
	Action         Action    `db:"action" json:"action"`
	Status         Status    `db:"status" json:"status"`
	PreviousStatus *Status   `db:"previous_status" json:"previous_status,omitempty"`
	Ward           *string   `db:"ward" json:"ward,omitempty"`
	Bed            *string   `db:"bed" json:"bed,omitempty"`
	Actor          *string   `db:"actor" json:"actor,omitempty"`
	Reason         *string   `db:"reason" json:"reason,omitempty"`
	ChangedAt      time.Time `db:"changed_at" json:"changed_at"`
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
