package alarm

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/domain/vitals"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityOf maps a non-normal classification level to an alarm severity.
func SeverityOf(l threshold.Level) Severity {
	if l == threshold.Critical {
		return SeverityCritical
	}
	return SeverityWarning
}

type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// IsOpen reports whether the alarm still needs attention.
func (s Status) IsOpen() bool { return s == StatusActive || s == StatusAcknowledged }

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Resolution records why an alarm was resolved.
type Resolution string

const (
	ResolutionManual Resolution = "manual"
	ResolutionAuto   Resolution = "auto"
)

// Alarm maps to the alarm table.
type Alarm struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	PatientID      uuid.UUID           `db:"patient_id" json:"patient_id"`
	EncounterID    *uuid.UUID          `db:"encounter_id" json:"encounter_id,omitempty"`
	ReadingID      *uuid.UUID          `db:"reading_id" json:"reading_id,omitempty"`
	Parameter      vitals.Parameter    `db:"parameter" json:"parameter"`
	Value          float64             `db:"value" json:"value"`
	ViolatedBound  float64             `db:"violated_bound" json:"violated_bound"`
	Direction      threshold.Direction `db:"direction" json:"direction"`
	Severity       Severity            `db:"severity" json:"severity"`
	Status         Status              `db:"status" json:"status"`
	Occurrences    int                 `db:"occurrences" json:"occurrences"`
	TriggeredAt    time.Time           `db:"triggered_at" json:"triggered_at"`
	UpdatedAt      time.Time           `db:"updated_at" json:"updated_at"`
	AcknowledgedAt *time.Time          `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string             `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy     *string             `db:"resolved_by" json:"resolved_by,omitempty"`
	Resolution     *Resolution         `db:"resolution" json:"resolution,omitempty"`
	VersionID      int                 `db:"version_id" json:"version_id"`
}

// Observation is one out-of-range value as seen by the evaluator.
type Observation struct {
	PatientID     uuid.UUID
	EncounterID   *uuid.UUID
	ReadingID     *uuid.UUID
	Parameter     vitals.Parameter
	Value         float64
	ViolatedBound float64
	Direction     threshold.Direction
	Severity      Severity
	At            time.Time
}

// Counts are open alarm totals for badges.
type Counts struct {
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

func (c *Counts) add(s Severity, n int) {
	switch s {
	case SeverityWarning:
		c.Warning += n
	case SeverityCritical:
		c.Critical += n
	case SeverityInfo:
		c.Info += n
	}
	c.Total += n
}

// CountScope selects the alarms that Counts covers. At most one field is set;
// the zero value counts every open alarm.
type CountScope struct {
	PatientID *uuid.UUID
	Ward      string
}

// ChangeKind names what happened to an alarm.
type ChangeKind string

const (
	Raised       ChangeKind = "raised"
	Updated      ChangeKind = "updated"
	Acknowledged ChangeKind = "acknowledged"
	Resolved     ChangeKind = "resolved"
)

// Change is one committed alarm transition. Alarm is a snapshot taken after
// the change.
type Change struct {
	Kind             ChangeKind
	Alarm            Alarm
	PreviousSeverity Severity
}
