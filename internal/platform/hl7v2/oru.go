package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

// loincParameters maps the LOINC codes in OBX-3 onto monitored parameters.
var loincParameters = map[string]vitals.Parameter{
	"8867-4":  vitals.HeartRate,
	"8480-6":  vitals.SystolicBP,
	"8462-4":  vitals.DiastolicBP,
	"2708-6":  vitals.SpO2,
	"59408-5": vitals.SpO2,
	"8310-5":  vitals.Temperature,
	"9279-1":  vitals.RespiratoryRate,
	"9269-2":  vitals.GCS,
	"72514-3": vitals.PainScore,
}

// ParameterForLOINC returns the parameter for a LOINC code.
func ParameterForLOINC(code string) (vitals.Parameter, bool) {
	p, ok := loincParameters[code]
	return p, ok
}

// StructureError reports a message that cannot be mapped at all. It is
// answered with AR; readings that map but fail validation are answered with AE.
type StructureError struct {
	Msg string
}

func (e *StructureError) Error() string { return "hl7v2: " + e.Msg }

func structuref(format string, args ...interface{}) error {
	return &StructureError{Msg: fmt.Sprintf(format, args...)}
}

// ToRawReading maps an ORU^R01 message onto a raw reading with source hl7.
// OBX segments with unknown codes or non-final statuses are skipped.
// Identifiers are passed through unchecked; the normalizer validates them.
func ToRawReading(msg *Message) (vitals.RawReading, error) {
	raw := vitals.RawReading{Source: string(vitals.SourceHL7)}

	if typ := strings.SplitN(msg.Type, "^", 3); len(typ) < 2 || typ[0] != "ORU" || typ[1] != "R01" {
		return raw, structuref("unsupported message type %q", msg.Type)
	}
	if msg.GetSegment("PID") == nil {
		return raw, structuref("PID segment is required")
	}

	raw.PatientID = msg.PatientID()
	raw.EncounterID = msg.VisitNumber()
	raw.DeviceID = msg.SendingApp

	// OBR-7 is the observation time for the whole order; OBX-14 overrides it.
	var recorded *time.Time
	if obr := msg.GetSegment("OBR"); obr != nil {
		if t, err := ParseTimestamp(obr.GetField(7)); err == nil {
			recorded = &t
		}
	}

	mapped := 0
	for _, obx := range msg.GetSegments("OBX") {
		p, ok := ParameterForLOINC(obx.GetComponent(3, 1))
		if !ok {
			continue
		}
		// OBX-11: D deletes and W marks a wrong result.
		switch obx.GetField(11) {
		case "D", "W", "X":
			continue
		}
		if vt := obx.GetField(2); vt != "" && vt != "NM" && vt != "SN" {
			return raw, structuref("OBX %s has value type %q, expected NM", obx.GetComponent(3, 1), vt)
		}
		value, err := obxValue(obx)
		if err != nil {
			return raw, err
		}
		if p == vitals.Temperature && isFahrenheit(obx.GetComponent(6, 1)) {
			value = (value - 32) * 5 / 9
		}
		raw.Set(p, value)
		mapped++

		if t, err := ParseTimestamp(obx.GetField(14)); err == nil {
			recorded = &t
		}
		if dev := obx.GetComponent(18, 1); dev != "" {
			raw.DeviceID = dev
		}
	}
	if mapped == 0 {
		return raw, structuref("no OBX segment carries a monitored vital sign")
	}
	raw.RecordedAt = recorded
	return raw, nil
}

func obxValue(obx Segment) (float64, error) {
	s := obx.GetField(5)
	// SN values look like "^98" or "<^5"; only the plain numeric form is
	// usable for threshold comparison.
	if obx.GetField(2) == "SN" {
		if cmp := obx.GetComponent(5, 1); cmp != "" && cmp != "=" {
			return 0, structuref("OBX %s has non-numeric structured value %q", obx.GetComponent(3, 1), s)
		}
		s = obx.GetComponent(5, 2)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, structuref("OBX %s value %q is not numeric", obx.GetComponent(3, 1), s)
	}
	return v, nil
}

func isFahrenheit(unit string) bool {
	switch strings.ToLower(unit) {
	case "degf", "[degf]", "f":
		return true
	}
	return false
}
