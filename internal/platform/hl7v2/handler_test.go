package hl7v2

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
)

// recordingIngest collects readings and returns err for every call.
type recordingIngest struct {
	mu       sync.Mutex
	readings []vitals.RawReading
	err      error
}

func (r *recordingIngest) ingest(ctx context.Context, raw vitals.RawReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, raw)
	return r.err
}

func (r *recordingIngest) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func msaCode(t *testing.T, ack *Message) (code, controlID, text string) {
	t.Helper()
	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK has no MSA segment")
	}
	return msa.GetField(1), msa.GetField(2), msa.GetField(3)
}

func TestProcessor_Accepts(t *testing.T) {
	rec := &recordingIngest{}
	p := NewProcessor(rec.ingest, zerolog.Nop())

	ack, err := p.Process(context.Background(), []byte(oruMessage("CTL9", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, ctl, _ := msaCode(t, ack)
	if code != AckAccept || ctl != "CTL9" {
		t.Errorf("expected AA for CTL9, got %s %s", code, ctl)
	}
	if ack.Type != "ACK^R01" {
		t.Errorf("expected ACK^R01, got %q", ack.Type)
	}
	if rec.count() != 1 || rec.readings[0].PatientID != testPatient {
		t.Errorf("unexpected ingested readings %+v", rec.readings)
	}
}

func TestProcessor_ValidationErrorIsAE(t *testing.T) {
	rec := &recordingIngest{err: apperror.Validation("invalid reading: heart_rate 400 is outside 0-300 /min")}
	p := NewProcessor(rec.ingest, zerolog.Nop())

	ack, err := p.Process(context.Background(), []byte(oruMessage("CTL1", "OBX|1|NM|8867-4^HR^LN||400|/min|||||F")))
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	code, _, text := msaCode(t, ack)
	if code != AckError {
		t.Errorf("expected AE, got %s", code)
	}
	if !strings.Contains(text, "heart_rate") {
		t.Errorf("expected reason in MSA-3, got %q", text)
	}
}

func TestProcessor_InternalErrorHidden(t *testing.T) {
	rec := &recordingIngest{err: errors.New("connection refused")}
	p := NewProcessor(rec.ingest, zerolog.Nop())

	ack, err := p.Process(context.Background(), []byte(oruMessage("CTL1", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F")))
	if err == nil {
		t.Fatal("expected error")
	}
	code, _, text := msaCode(t, ack)
	if code != AckError || text != "internal error" {
		t.Errorf("expected AE with generic text, got %s %q", code, text)
	}
}

func TestProcessor_RejectsUnparseable(t *testing.T) {
	rec := &recordingIngest{}
	p := NewProcessor(rec.ingest, zerolog.Nop())

	for _, raw := range []string{
		"not hl7 at all",
		"MSH|^~\\&|A|B|C|D|20260504||ADT^A01|ADT1|P|2.5.1\rPID|1||" + testPatient,
	} {
		ack, err := p.Process(context.Background(), []byte(raw))
		var se *StructureError
		if !errors.As(err, &se) {
			t.Errorf("expected StructureError, got %v", err)
		}
		if code, _, _ := msaCode(t, ack); code != AckReject {
			t.Errorf("expected AR, got %s", code)
		}
	}
	if rec.count() != 0 {
		t.Error("rejected messages must not be ingested")
	}
}

func postORU(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/oru", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/hl7-v2")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Ingest(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestHandler_Ingest(t *testing.T) {
	tests := []struct {
		name       string
		ingestErr  error
		body       string
		wantStatus int
		wantCode   string
	}{
		{"accepted", nil, oruMessage("H1", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F"), http.StatusOK, AckAccept},
		{"invalid reading", apperror.Validation("bad"), oruMessage("H2", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F"), http.StatusBadRequest, AckError},
		{"not monitored", apperror.NotFound("missing"), oruMessage("H3", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F"), http.StatusNotFound, AckError},
		{"store down", errors.New("down"), oruMessage("H4", "OBX|1|NM|8867-4^HR^LN||72|/min|||||F"), http.StatusInternalServerError, AckError},
		{"garbage", nil, "garbage", http.StatusBadRequest, AckReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingIngest{err: tt.ingestErr}
			h := NewHandler(NewProcessor(rec.ingest, zerolog.Nop()))

			resp := postORU(t, h, tt.body)
			if resp.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, resp.Code)
			}
			ack, err := Parse(resp.Body.Bytes())
			if err != nil {
				t.Fatalf("response is not HL7: %v", err)
			}
			if code, _, _ := msaCode(t, ack); code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, code)
			}
		})
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	h := NewHandler(NewProcessor((&recordingIngest{}).ingest, zerolog.Nop()))
	h.RegisterRoutes(e.Group("/api/v1"))

	found := false
	for _, r := range e.Routes() {
		if r.Method == http.MethodPost && r.Path == "/api/v1/hl7v2/oru" {
			found = true
		}
	}
	if !found {
		t.Error("expected POST /api/v1/hl7v2/oru to be registered")
	}
}
