package hl7v2

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

func mustParse(t *testing.T, raw string) *Message {
	t.Helper()
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

func TestToRawReading_AllParameters(t *testing.T) {
	msg := mustParse(t, oruMessage("C1",
		"OBX|1|NM|8867-4^Heart rate^LN||72|/min|||||F",
		"OBX|2|NM|8480-6^Systolic^LN||128|mm[Hg]|||||F",
		"OBX|3|NM|8462-4^Diastolic^LN||82|mm[Hg]|||||F",
		"OBX|4|NM|59408-5^SpO2 pulse ox^LN||96|%|||||F",
		"OBX|5|NM|8310-5^Body temperature^LN||37.2|Cel|||||F",
		"OBX|6|NM|9279-1^Respiratory rate^LN||16|/min|||||F",
		"OBX|7|NM|9269-2^GCS total^LN||15|{score}|||||F",
		"OBX|8|NM|72514-3^Pain severity^LN||2|{score}|||||F",
	))

	raw, err := ToRawReading(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw.Source != string(vitals.SourceHL7) {
		t.Errorf("expected source hl7, got %q", raw.Source)
	}
	if raw.PatientID != testPatient || raw.EncounterID != testEncounter {
		t.Errorf("unexpected identifiers %q %q", raw.PatientID, raw.EncounterID)
	}
	if raw.DeviceID != "MONITOR-7" {
		t.Errorf("expected device from MSH-3, got %q", raw.DeviceID)
	}

	checks := map[string]*float64{
		"heart_rate": raw.HeartRate, "systolic_bp": raw.SystolicBP, "diastolic_bp": raw.DiastolicBP,
		"spo2": raw.SpO2, "temperature": raw.Temperature, "respiratory_rate": raw.RespiratoryRate,
		"gcs": raw.GCS, "pain_score": raw.PainScore,
	}
	want := map[string]float64{
		"heart_rate": 72, "systolic_bp": 128, "diastolic_bp": 82, "spo2": 96,
		"temperature": 37.2, "respiratory_rate": 16, "gcs": 15, "pain_score": 2,
	}
	for name, got := range checks {
		if got == nil {
			t.Errorf("%s not mapped", name)
			continue
		}
		if *got != want[name] {
			t.Errorf("%s = %v, want %v", name, *got, want[name])
		}
	}

	// OBR-7 applies when no OBX-14 is present.
	wantAt := time.Date(2026, 5, 4, 7, 59, 0, 0, time.UTC)
	if raw.RecordedAt == nil || !raw.RecordedAt.Equal(wantAt) {
		t.Errorf("expected recorded_at %v, got %v", wantAt, raw.RecordedAt)
	}
}

func TestToRawReading_ObservationTimeAndDevice(t *testing.T) {
	msg := mustParse(t, oruMessage("C1",
		"OBX|1|NM|2708-6^SpO2^LN||88|%|||||F|||20260504080130|||||PM-42",
	))
	raw, err := ToRawReading(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantAt := time.Date(2026, 5, 4, 8, 1, 30, 0, time.UTC)
	if raw.RecordedAt == nil || !raw.RecordedAt.Equal(wantAt) {
		t.Errorf("expected OBX-14 time %v, got %v", wantAt, raw.RecordedAt)
	}
	if raw.DeviceID != "PM-42" {
		t.Errorf("expected device from OBX-18, got %q", raw.DeviceID)
	}
	if raw.SpO2 == nil || *raw.SpO2 != 88 {
		t.Errorf("expected spo2 88, got %v", raw.SpO2)
	}
}

func TestToRawReading_FahrenheitConverted(t *testing.T) {
	msg := mustParse(t, oruMessage("C1", "OBX|1|NM|8310-5^Temp^LN||98.6|[degF]|||||F"))
	raw, err := ToRawReading(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw.Temperature == nil || math.Abs(*raw.Temperature-37) > 0.01 {
		t.Errorf("expected 37 Cel, got %v", raw.Temperature)
	}
}

func TestToRawReading_SkipsUnknownAndWithdrawn(t *testing.T) {
	msg := mustParse(t, oruMessage("C1",
		"OBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|||||F",
		"OBX|2|NM|8867-4^HR^LN||300|/min|||||W",
		"OBX|3|NM|8867-4^HR^LN||71|/min|||||F",
	))
	raw, err := ToRawReading(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw.HeartRate == nil || *raw.HeartRate != 71 {
		t.Errorf("expected heart rate 71, got %v", raw.HeartRate)
	}
	if raw.SystolicBP != nil {
		t.Error("unexpected systolic value")
	}
}

func TestToRawReading_StructuredNumeric(t *testing.T) {
	msg := mustParse(t, oruMessage("C1", "OBX|1|SN|2708-6^SpO2^LN||=^94|%|||||F"))
	raw, err := ToRawReading(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw.SpO2 == nil || *raw.SpO2 != 94 {
		t.Errorf("expected spo2 94, got %v", raw.SpO2)
	}
}

func TestToRawReading_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"admission message", "MSH|^~\\&|A|B|C|D|20260504||ADT^A01|1|P|2.5.1\rPID|1||" + testPatient},
		{"no PID", "MSH|^~\\&|A|B|C|D|20260504||ORU^R01|1|P|2.5.1\rOBX|1|NM|8867-4^HR^LN||72|/min|||||F"},
		{"no vital OBX", oruMessage("C1", "OBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|||||F")},
		{"text value", oruMessage("C1", "OBX|1|NM|8867-4^HR^LN||fast|/min|||||F")},
		{"string type", oruMessage("C1", "OBX|1|ST|8867-4^HR^LN||72|/min|||||F")},
		{"comparator", oruMessage("C1", "OBX|1|SN|2708-6^SpO2^LN||<^80|%|||||F")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToRawReading(mustParse(t, tt.raw))
			var se *StructureError
			if !errors.As(err, &se) {
				t.Fatalf("expected StructureError, got %v", err)
			}
		})
	}
}

func TestToRawReading_NormalizesEndToEnd(t *testing.T) {
	msg := mustParse(t, oruMessage("C1", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F"))
	raw, err := ToRawReading(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Date(2026, 5, 4, 8, 0, 5, 0, time.UTC)
	r, err := vitals.Normalize(raw, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if r.Source != vitals.SourceHL7 || r.EncounterID == nil || r.EncounterID.String() != testEncounter {
		t.Errorf("unexpected normalized reading %+v", r)
	}
}
