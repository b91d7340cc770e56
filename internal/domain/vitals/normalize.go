package vitals

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/platform/apperror"
)

// DefaultClockSkew is how far in the future a recorded_at may lie before the
// reading is rejected.
const DefaultClockSkew = 5 * time.Minute

// Normalizer validates raw readings. The zero value uses DefaultClockSkew.
type Normalizer struct {
	ClockSkew time.Duration
}

// Normalize validates raw with the default clock skew.
func Normalize(raw RawReading, now time.Time) (VitalReading, error) {
	return Normalizer{}.Normalize(raw, now)
}

// Normalize validates raw and returns the canonical reading. It performs no
// I/O; the returned reading has no ID until it is appended.
func (n Normalizer) Normalize(raw RawReading, now time.Time) (VitalReading, error) {
	skew := n.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	now = now.UTC()

	var problems []string
	out := VitalReading{ReceivedAt: now}

	pid := strings.TrimSpace(raw.PatientID)
	switch {
	case pid == "":
		problems = append(problems, "patient_id is required")
	default:
		id, err := uuid.Parse(pid)
		if err != nil || id == uuid.Nil {
			problems = append(problems, fmt.Sprintf("patient_id %q is not a valid UUID", raw.PatientID))
		}
		out.PatientID = id
	}

	if eid := strings.TrimSpace(raw.EncounterID); eid != "" {
		id, err := uuid.Parse(eid)
		if err != nil || id == uuid.Nil {
			problems = append(problems, fmt.Sprintf("encounter_id %q is not a valid UUID", raw.EncounterID))
		} else {
			out.EncounterID = &id
		}
	}

	src := Source(strings.ToLower(strings.TrimSpace(raw.Source)))
	if !src.Valid() {
		problems = append(problems, fmt.Sprintf("source %q must be one of manual, device, hl7", raw.Source))
	}
	out.Source = src

	if d := strings.TrimSpace(raw.DeviceID); d != "" {
		out.DeviceID = &d
	}

	out.RecordedAt = now
	if raw.RecordedAt != nil && !raw.RecordedAt.IsZero() {
		rec := raw.RecordedAt.UTC()
		if rec.After(now.Add(skew)) {
			problems = append(problems, fmt.Sprintf("recorded_at %s is in the future", rec.Format(time.RFC3339)))
		}
		out.RecordedAt = rec
	}

	present := 0
	for _, p := range Parameters {
		f := raw.field(p)
		if *f == nil {
			continue
		}
		present++
		v := **f
		b := bounds[p]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			problems = append(problems, fmt.Sprintf("%s is not a finite number", p))
			continue
		case v < b.Min || v > b.Max:
			problems = append(problems, fmt.Sprintf("%s %g is outside %g-%g %s", p, v, b.Min, b.Max, b.Unit))
			continue
		}
		setValue(&out, p, v)
	}
	if present == 0 {
		problems = append(problems, "at least one vital sign value is required")
	}

	if len(problems) > 0 {
		return VitalReading{}, apperror.Validation("invalid reading: %s", strings.Join(problems, "; "))
	}
	return out, nil
}

func setValue(r *VitalReading, p Parameter, v float64) {
	switch p {
	case HeartRate:
		r.HeartRate = &v
	case SystolicBP:
		r.SystolicBP = &v
	case DiastolicBP:
		r.DiastolicBP = &v
	case SpO2:
		r.SpO2 = &v
	case Temperature:
		r.Temperature = &v
	case RespiratoryRate:
		r.RespiratoryRate = &v
	case GCS:
		r.GCS = &v
	case PainScore:
		r.PainScore = &v
	}
}
