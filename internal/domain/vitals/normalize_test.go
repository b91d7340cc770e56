package vitals

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/platform/apperror"
)

func f(v float64) *float64 { return &v }

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func validRaw() RawReading {
	return RawReading{
		PatientID: uuid.New().String(),
		Source:    "manual",
		SpO2:      f(97),
	}
}

func TestNormalize_Valid(t *testing.T) {
	raw := validRaw()
	eid := uuid.New()
	raw.EncounterID = eid.String()
	raw.Source = " Device "
	raw.DeviceID = "oxi-7"
	raw.HeartRate = f(72)
	rec := testNow.Add(-time.Minute)
	raw.RecordedAt = &rec

	got, err := Normalize(raw, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PatientID.String() != raw.PatientID {
		t.Errorf("patient id mismatch: %s", got.PatientID)
	}
	if got.EncounterID == nil || *got.EncounterID != eid {
		t.Errorf("expected encounter %s, got %v", eid, got.EncounterID)
	}
	if got.Source != SourceDevice {
		t.Errorf("expected source device, got %q", got.Source)
	}
	if got.DeviceID == nil || *got.DeviceID != "oxi-7" {
		t.Errorf("expected device id oxi-7, got %v", got.DeviceID)
	}
	if !got.RecordedAt.Equal(rec) || !got.ReceivedAt.Equal(testNow) {
		t.Errorf("unexpected timestamps: recorded %v received %v", got.RecordedAt, got.ReceivedAt)
	}
	if got.ID != uuid.Nil {
		t.Error("normalize must not assign an ID")
	}

	ms := got.Measurements()
	if len(ms) != 2 || ms[0].Parameter != HeartRate || ms[1].Parameter != SpO2 {
		t.Errorf("unexpected measurements: %+v", ms)
	}
}

func TestNormalize_DefaultsRecordedAtToNow(t *testing.T) {
	got, err := Normalize(validRaw(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.RecordedAt.Equal(testNow) {
		t.Errorf("expected recorded_at %v, got %v", testNow, got.RecordedAt)
	}
}

func TestNormalize_Rejects(t *testing.T) {
	future := testNow.Add(10 * time.Minute)

	tests := []struct {
		name   string
		mutate func(r *RawReading)
		want   string
	}{
		{"missing patient", func(r *RawReading) { r.PatientID = "" }, "patient_id is required"},
		{"malformed patient", func(r *RawReading) { r.PatientID = "P-12" }, "not a valid UUID"},
		{"nil patient", func(r *RawReading) { r.PatientID = uuid.Nil.String() }, "not a valid UUID"},
		{"malformed encounter", func(r *RawReading) { r.EncounterID = "enc" }, "encounter_id"},
		{"unknown source", func(r *RawReading) { r.Source = "fax" }, "source"},
		{"empty source", func(r *RawReading) { r.Source = "" }, "source"},
		{"no values", func(r *RawReading) { r.SpO2 = nil }, "at least one"},
		{"NaN", func(r *RawReading) { r.HeartRate = f(math.NaN()) }, "finite"},
		{"Inf", func(r *RawReading) { r.Temperature = f(math.Inf(1)) }, "finite"},
		{"future", func(r *RawReading) { r.RecordedAt = &future }, "future"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)
			_, err := Normalize(raw, testNow)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestNormalize_ClockSkewConfigurable(t *testing.T) {
	ahead := testNow.Add(2 * time.Minute)
	raw := validRaw()
	raw.RecordedAt = &ahead

	if _, err := Normalize(raw, testNow); err != nil {
		t.Errorf("2m ahead must pass the default skew: %v", err)
	}
	if _, err := (Normalizer{ClockSkew: time.Minute}).Normalize(raw, testNow); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("expected validation error with 1m skew, got %v", err)
	}
}

// Every parameter rejects values just outside its bound and accepts the
// bound itself; nothing is clamped.
func TestNormalize_AbsoluteBounds(t *testing.T) {
	for _, p := range Parameters {
		b, ok := p.Bound()
		if !ok {
			t.Fatalf("no bound for %s", p)
		}
		for _, v := range []float64{b.Min - 0.1, b.Max + 0.1, b.Max + 1000} {
			raw := RawReading{PatientID: uuid.New().String(), Source: "manual"}
			raw.Set(p, v)
			if _, err := Normalize(raw, testNow); !errors.Is(err, apperror.ErrValidation) {
				t.Errorf("%s=%g: expected validation error, got %v", p, v, err)
			}
		}
		for _, v := range []float64{b.Min, b.Max} {
			raw := RawReading{PatientID: uuid.New().String(), Source: "manual"}
			raw.Set(p, v)
			got, err := Normalize(raw, testNow)
			if err != nil {
				t.Errorf("%s=%g: unexpected error %v", p, v, err)
				continue
			}
			if gv, ok := got.Value(p); !ok || gv != v {
				t.Errorf("%s: expected %g, got %g (present=%v)", p, v, gv, ok)
			}
		}
	}
}

func TestNormalize_ReportsAllProblems(t *testing.T) {
	raw := RawReading{PatientID: "", Source: "x", SpO2: f(120)}
	_, err := Normalize(raw, testNow)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"patient_id", "source", "spo2"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestParameter_Valid(t *testing.T) {
	if !SpO2.Valid() {
		t.Error("spo2 must be valid")
	}
	if Parameter("weight").Valid() {
		t.Error("weight must not be a monitored parameter")
	}
}
