package db

import (
	"testing"
	"time"
)

func TestTimeValue_SortsChronologically(t *testing.T) {
	a := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	if !(TimeValue(a) < TimeValue(b)) {
		t.Errorf("expected %s < %s", TimeValue(a), TimeValue(b))
	}
}

func TestScanTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 5, 123, time.FixedZone("CET", 3600))

	var got time.Time
	if err := ScanTime(&got).Scan(TimeValue(want)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", got.Location())
	}

	if err := ScanTime(&got).Scan(nil); err == nil {
		t.Error("expected error scanning NULL into non-null time")
	}
	if err := ScanTime(&got).Scan("yesterday"); err == nil {
		t.Error("expected error for unparseable time")
	}
}

func TestScanNullTime(t *testing.T) {
	now := time.Now().UTC()
	p := &now
	if err := ScanNullTime(&p).Scan(nil); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p != nil {
		t.Error("expected NULL to reset pointer")
	}
	if err := ScanNullTime(&p).Scan([]byte(TimeValue(now))); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p == nil || !p.Equal(now) {
		t.Errorf("expected %v, got %v", now, p)
	}
	if NullTimeValue(nil) != nil {
		t.Error("expected nil for nil time")
	}
}
