package vitals

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Parameter names one monitored vital sign.
type Parameter string

const (
	HeartRate       Parameter = "heart_rate"
	SystolicBP      Parameter = "systolic_bp"
	DiastolicBP     Parameter = "diastolic_bp"
	SpO2            Parameter = "spo2"
	Temperature     Parameter = "temperature"
	RespiratoryRate Parameter = "respiratory_rate"
	GCS             Parameter = "gcs"
	PainScore       Parameter = "pain_score"
)

// Parameters lists every parameter in evaluation order.
var Parameters = []Parameter{
	HeartRate, SystolicBP, DiastolicBP, SpO2, Temperature, RespiratoryRate, GCS, PainScore,
}

// Bound is the absolute physiological range of a parameter. Values outside it
// are measurement or transcription errors and are rejected.
type Bound struct {
	Min  float64
	Max  float64
	Unit string
}

var bounds = map[Parameter]Bound{
	HeartRate:       {Min: 0, Max: 300, Unit: "/min"},
	SystolicBP:      {Min: 0, Max: 300, Unit: "mmHg"},
	DiastolicBP:     {Min: 0, Max: 200, Unit: "mmHg"},
	SpO2:            {Min: 0, Max: 100, Unit: "%"},
	Temperature:     {Min: 25, Max: 45, Unit: "Cel"},
	RespiratoryRate: {Min: 0, Max: 100, Unit: "/min"},
	GCS:             {Min: 3, Max: 15, Unit: "{score}"},
	PainScore:       {Min: 0, Max: 10, Unit: "{score}"},
}

// Bound returns the absolute bound for p.
func (p Parameter) Bound() (Bound, bool) {
	b, ok := bounds[p]
	return b, ok
}

// Valid reports whether p is a known parameter.
func (p Parameter) Valid() bool {
	_, ok := bounds[p]
	return ok
}

// Source identifies where a reading came from.
type Source string

const (
	SourceManual Source = "manual"
	SourceDevice Source = "device"
	SourceHL7    Source = "hl7"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceDevice, SourceHL7:
		return true
	}
	return false
}

// RawReading is a reading as received from a transport, before validation.
// Identifiers are strings so that malformed input can be reported instead of
// failing at decode time.
type RawReading struct {
	PatientID       string     `json:"patient_id"`
	EncounterID     string     `json:"encounter_id,omitempty"`
	RecordedAt      *time.Time `json:"recorded_at,omitempty"`
	Source          string     `json:"source"`
	DeviceID        string     `json:"device_id,omitempty"`
	HeartRate       *float64   `json:"heart_rate,omitempty"`
	SystolicBP      *float64   `json:"systolic_bp,omitempty"`
	DiastolicBP     *float64   `json:"diastolic_bp,omitempty"`
	SpO2            *float64   `json:"spo2,omitempty"`
	Temperature     *float64   `json:"temperature,omitempty"`
	RespiratoryRate *float64   `json:"respiratory_rate,omitempty"`
	GCS             *float64   `json:"gcs,omitempty"`
	PainScore       *float64   `json:"pain_score,omitempty"`
}

// IngestFunc accepts a raw reading from a transport. Transports map the error
// kind onto their own acknowledgement.
type IngestFunc func(ctx context.Context, raw RawReading) error

// Set stores v for parameter p. Unknown parameters are ignored.
func (r *RawReading) Set(p Parameter, v float64) {
	if f := r.field(p); f != nil {
		*f = &v
	}
}

func (r *RawReading) field(p Parameter) **float64 {
	switch p {
	case HeartRate:
		return &r.HeartRate
	case SystolicBP:
		return &r.SystolicBP
	case DiastolicBP:
		return &r.DiastolicBP
	case SpO2:
		return &r.SpO2
	case Temperature:
		return &r.Temperature
	case RespiratoryRate:
		return &r.RespiratoryRate
	case GCS:
		return &r.GCS
	case PainScore:
		return &r.PainScore
	}
	return nil
}

// VitalReading maps to the vital_reading table. It is never updated after
// it has been appended.
type VitalReading struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID     *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	RecordedAt      time.Time  `db:"recorded_at" json:"recorded_at"`
	ReceivedAt      time.Time  `db:"received_at" json:"received_at"`
	Source          Source     `db:"source" json:"source"`
	DeviceID        *string    `db:"device_id" json:"device_id,omitempty"`
	HeartRate       *float64   `db:"heart_rate" json:"heart_rate,omitempty"`
	SystolicBP      *float64   `db:"systolic_bp" json:"systolic_bp,omitempty"`
	DiastolicBP     *float64   `db:"diastolic_bp" json:"diastolic_bp,omitempty"`
	SpO2            *float64   `db:"spo2" json:"spo2,omitempty"`
	Temperature     *float64   `db:"temperature" json:"temperature,omitempty"`
	RespiratoryRate *float64   `db:"respiratory_rate" json:"respiratory_rate,omitempty"`
	GCS             *float64   `db:"gcs" json:"gcs,omitempty"`
	PainScore       *float64   `db:"pain_score" json:"pain_score,omitempty"`
}

// Measurement is one present parameter value of a reading.
type Measurement struct {
	Parameter Parameter
	Value     float64
}

// Value returns the value of p, if present.
func (v *VitalReading) Value(p Parameter) (float64, bool) {
	var f *float64
	switch p {
	case HeartRate:
		f = v.HeartRate
	case SystolicBP:
		f = v.SystolicBP
	case DiastolicBP:
		f = v.DiastolicBP
	case SpO2:
		f = v.SpO2
	case Temperature:
		f = v.Temperature
	case RespiratoryRate:
		f = v.RespiratoryRate
	case GCS:
		f = v.GCS
	case PainScore:
		f = v.PainScore
	}
	if f == nil {
		return 0, false
	}
	return *f, true
}

// Measurements returns the present values in evaluation order.
func (v *VitalReading) Measurements() []Measurement {
	var out []Measurement
	for _, p := range Parameters {
		if val, ok := v.Value(p); ok {
			out = append(out, Measurement{Parameter: p, Value: val})
		}
	}
	return out
}
