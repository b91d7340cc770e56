package threshold

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
)

// Rule maps to the threshold_rule table. A nil PatientID marks the default
// rule for the parameter.
type Rule struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	PatientID    *uuid.UUID       `db:"patient_id" json:"patient_id,omitempty"`
	Parameter    vitals.Parameter `db:"parameter" json:"parameter"`
	Min          float64          `db:"min_value" json:"min"`
	Max          float64          `db:"max_value" json:"max"`
	WarningBand  float64          `db:"warning_band" json:"warning_band"`
	CriticalBand float64          `db:"critical_band" json:"critical_band"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// IsDefault reports whether r applies to every patient without an override.
func (r *Rule) IsDefault() bool { return r.PatientID == nil }

// Validate checks that the normal range and bands are usable.
func (r *Rule) Validate() error {
	if !r.Parameter.Valid() {
		return apperror.Validation("unknown parameter %q", r.Parameter)
	}
	for name, v := range map[string]float64{
		"min": r.Min, "max": r.Max, "warning_band": r.WarningBand, "critical_band": r.CriticalBand,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperror.Validation("%s rule: %s must be finite", r.Parameter, name)
		}
	}
	if r.Min > r.Max {
		return apperror.Validation("%s rule: min %g is greater than max %g", r.Parameter, r.Min, r.Max)
	}
	if r.WarningBand < 0 || r.CriticalBand < 0 {
		return apperror.Validation("%s rule: bands must not be negative", r.Parameter)
	}
	return nil
}

func (r *Rule) String() string {
	scope := "default"
	if r.PatientID != nil {
		scope = r.PatientID.String()
	}
	return fmt.Sprintf("%s/%s [%g,%g] warn=%g crit=%g", scope, r.Parameter, r.Min, r.Max, r.WarningBand, r.CriticalBand)
}

// Level is the outcome of classifying one value.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Direction tells which side of the normal range a value fell on.
type Direction string

const (
	Low  Direction = "low"
	High Direction = "high"
)

// Classification is the result of Classify. Direction and Bound are set only
// when Level is not Normal; Bound is the violated edge of the normal range.
type Classification struct {
	Level     Level
	Direction Direction
	Bound     float64
	Deviation float64
}

func (c Classification) IsNormal() bool { return c.Level == Normal }

// Classify compares value against rule. Inside [Min, Max] is normal; up to
// WarningBand beyond the violated edge is a warning; anything further out is
// critical. CriticalBand only documents the expected width of the critical
// zone and does not cap it.
func Classify(value float64, rule Rule) Classification {
	var c Classification
	switch {
	case value < rule.Min:
		c.Direction, c.Bound, c.Deviation = Low, rule.Min, rule.Min-value
	case value > rule.Max:
		c.Direction, c.Bound, c.Deviation = High, rule.Max, value-rule.Max
	default:
		return Classification{Level: Normal}
	}
	if c.Deviation <= rule.WarningBand {
		c.Level = Warning
	} else {
		c.Level = Critical
	}
	return c
}
