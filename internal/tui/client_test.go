package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/platform/websocket"
)

func TestClient_PatientSnapshot(t *testing.T) {
	patient := uuid.New()
	a := testAlarm(patient, alarm.SeverityCritical, alarm.StatusActive)
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/v1/patients/" + patient.String() + "/encounter":
			json.NewEncoder(w).Encode(encounter.Encounter{ID: uuid.New(), PatientID: patient, Status: encounter.StatusActive})
		case "/api/v1/patients/" + patient.String() + "/alarms/active":
			json.NewEncoder(w).Encode([]alarm.Alarm{a})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL, "tok").Snapshot(context.Background(), Target{PatientID: patient})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Encounters) != 1 || len(snap.Alarms) != 1 || snap.Alarms[0].ID != a.ID {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if auth != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", auth)
	}
}

func TestClient_NoOpenEncounter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/encounter") {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL, "").Snapshot(context.Background(), Target{PatientID: uuid.New()})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Encounters) != 0 || len(snap.Alarms) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestClient_WardSnapshot(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/wards/icu/encounters":
			json.NewEncoder(w).Encode([]encounter.Encounter{
				{ID: uuid.New(), PatientID: p1, Status: encounter.StatusActive},
				{ID: uuid.New(), PatientID: p2, Status: encounter.StatusActive},
			})
		case strings.HasSuffix(r.URL.Path, "/alarms/active"):
			json.NewEncoder(w).Encode([]alarm.Alarm{testAlarm(p1, alarm.SeverityWarning, alarm.StatusActive)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL, "").Snapshot(context.Background(), Target{Ward: "icu"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Encounters) != 2 || len(snap.Alarms) != 2 {
		t.Errorf("expected 2 encounters and one alarm per patient, got %d/%d", len(snap.Encounters), len(snap.Alarms))
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").Snapshot(context.Background(), Target{Ward: "icu"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStreamURL(t *testing.T) {
	pid := uuid.New()
	tests := []struct {
		server string
		target Target
		want   string
		err    bool
	}{
		{"http://localhost:8000", Target{Ward: "icu"}, "ws://localhost:8000/api/v1/ws?ward=icu", false},
		{"https://cw.example.org/", Target{PatientID: pid}, "wss://cw.example.org/api/v1/ws?patient=" + pid.String(), false},
		{"ftp://x", Target{Ward: "icu"}, "", true},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.server, tt.target)
		if (err != nil) != tt.err {
			t.Fatalf("streamURL(%q): err=%v", tt.server, err)
		}
		if got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

type msgRecorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *msgRecorder) send(msg tea.Msg) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *msgRecorder) count(match func(tea.Msg) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func TestStream_DeliversAndReconnects(t *testing.T) {
	upgrader := gorillawebsocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ward") != "icu" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		data, _ := json.Marshal(websocket.Event{ID: uuid.New(), Type: "alarm.raised", Ward: "icu"})
		ws.WriteMessage(gorillawebsocket.TextMessage, data)
		ws.WriteMessage(gorillawebsocket.TextMessage, []byte("not json"))
		// Dropping the connection forces a reconnect.
		ws.Close()
	}))
	defer srv.Close()

	s, err := NewStream(srv.URL, "tok", Target{Ward: "icu"})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	s.minBackoff = 10 * time.Millisecond
	s.maxBackoff = 20 * time.Millisecond

	rec := &msgRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, rec.send)
		close(done)
	}()

	isConnected := func(m tea.Msg) bool { _, ok := m.(connectedMsg); return ok }
	deadline := time.Now().Add(3 * time.Second)
	for rec.count(isConnected) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	events := rec.count(func(m tea.Msg) bool {
		ev, ok := m.(eventMsg)
		return ok && ev.event.Type == "alarm.raised"
	})
	if events < 1 {
		t.Errorf("expected the event to be delivered, got %d", events)
	}
	if rec.count(func(m tea.Msg) bool { _, ok := m.(disconnectedMsg); return ok }) < 1 {
		t.Error("expected a disconnect notice")
	}
}
