package hl7v2

import (
	"strings"
	"testing"
	"time"
)

const (
	testPatient   = "7d7f3c2e-55a4-4c1e-9d36-0b7d7a8f1c01"
	testEncounter = "b9e4a0d2-1f3c-4b8e-a6d1-2c5e7f9a0b12"
)

// oruMessage builds an ORU^R01 from the given OBX lines.
func oruMessage(controlID string, obx ...string) string {
	segs := []string{
		"MSH|^~\\&|MONITOR-7|ICU|CAREWATCH|HOSP|20260504080000||ORU^R01|" + controlID + "|P|2.5.1",
		"PID|1||" + testPatient + "^^^HOSP^MR||Doe^Jane",
		"PV1|1|I|ICU^12" + strings.Repeat("|", 16) + testEncounter,
		"OBR|1|||VITALS^Vital signs|||20260504075900",
	}
	return strings.Join(append(segs, obx...), "\r")
}

func TestParse_Header(t *testing.T) {
	msg, err := Parse([]byte(oruMessage("CTL0001")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Type != "ORU^R01" {
		t.Errorf("expected Type 'ORU^R01', got %q", msg.Type)
	}
	if msg.ControlID != "CTL0001" {
		t.Errorf("expected ControlID 'CTL0001', got %q", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected Version '2.5.1', got %q", msg.Version)
	}
	if msg.SendingApp != "MONITOR-7" || msg.SendingFac != "ICU" {
		t.Errorf("unexpected sender %q/%q", msg.SendingApp, msg.SendingFac)
	}
	if msg.ReceivingApp != "CAREWATCH" || msg.ReceivingFac != "HOSP" {
		t.Errorf("unexpected receiver %q/%q", msg.ReceivingApp, msg.ReceivingFac)
	}
	want := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, msg.Timestamp)
	}
}

func TestParse_PatientAndVisit(t *testing.T) {
	msg, err := Parse([]byte(oruMessage("CTL0001")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.PatientID() != testPatient {
		t.Errorf("expected PID-3.1 %s, got %q", testPatient, msg.PatientID())
	}
	if msg.VisitNumber() != testEncounter {
		t.Errorf("expected PV1-19 %s, got %q", testEncounter, msg.VisitNumber())
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"nil", nil},
		{"empty", []byte("")},
		{"whitespace", []byte("\r\n\r\n")},
		{"no MSH", []byte("PID|1||123")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_LineEndings(t *testing.T) {
	for name, sep := range map[string]string{"cr": "\r", "lf": "\n", "crlf": "\r\n"} {
		t.Run(name, func(t *testing.T) {
			raw := strings.ReplaceAll(oruMessage("C1", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F"), "\r", sep)
			msg, err := Parse([]byte(raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msg.Segments) != 5 {
				t.Errorf("expected 5 segments, got %d", len(msg.Segments))
			}
		})
	}
}

func TestParse_ComponentsAndRepetitions(t *testing.T) {
	msg, err := Parse([]byte("MSH|^~\\&|A|B|C|D|20260504||ORU^R01|1|P|2.5.1\rPID|1||ID1^^^A~ID2^^^B||Doe^Jane"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := msg.GetSegment("PID")
	if pid.GetComponent(5, 2) != "Jane" {
		t.Errorf("expected PID-5.2 'Jane', got %q", pid.GetComponent(5, 2))
	}
	if len(pid.Fields[2].Repeats) != 2 || pid.Fields[2].Repeats[1][0] != "ID2" {
		t.Errorf("unexpected repetitions %v", pid.Fields[2].Repeats)
	}
	if pid.GetComponent(5, 9) != "" || pid.GetComponent(40, 1) != "" || pid.GetField(0) != "" {
		t.Error("out-of-range lookups must return empty strings")
	}
}

func TestMessage_GetSegments(t *testing.T) {
	msg, err := Parse([]byte(oruMessage("C1",
		"OBX|1|NM|8867-4^HR^LN||72|/min|||||F",
		"OBX|2|NM|2708-6^SpO2^LN||97|%|||||F",
	)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(msg.GetSegments("OBX")); got != 2 {
		t.Errorf("expected 2 OBX segments, got %d", got)
	}
	if msg.GetSegment("NTE") != nil {
		t.Error("expected nil for missing segment")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"20260504", time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)},
		{"202605040812", time.Date(2026, 5, 4, 8, 12, 0, 0, time.UTC)},
		{"20260504081233", time.Date(2026, 5, 4, 8, 12, 33, 0, time.UTC)},
		{"20260504081233.250", time.Date(2026, 5, 4, 8, 12, 33, 0, time.UTC)},
		{"20260504101233+0200", time.Date(2026, 5, 4, 8, 12, 33, 0, time.UTC)},
		{"20260504031233-0500", time.Date(2026, 5, 4, 8, 12, 33, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseTimestamp("2026"); err == nil {
		t.Error("expected error for short timestamp")
	}
}
