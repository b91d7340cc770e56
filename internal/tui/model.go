package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/domain/monitoring"
	"github.com/ehr/carewatch/internal/platform/websocket"
)

const logSize = 8

type (
	snapshotMsg struct{ snap Snapshot }
	errMsg      struct{ err error }
)

// snapshotter is the part of Client the model needs.
type snapshotter interface {
	Snapshot(ctx context.Context, t Target) (Snapshot, error)
}

// Model is the bubbletea model of the viewer. Open alarms and encounters are
// keyed by id and patient so that stream events replace snapshot entries.
type Model struct {
	client     snapshotter
	target     Target
	encounters map[uuid.UUID]encounter.Encounter
	alarms     map[uuid.UUID]alarm.Alarm
	log        []string
	connected  bool
	retry      time.Duration
	lastErr    error
	fetchedAt  time.Time
	width      int
}

func NewModel(client snapshotter, t Target) Model {
	return Model{
		client:     client,
		target:     t,
		encounters: make(map[uuid.UUID]encounter.Encounter),
		alarms:     make(map[uuid.UUID]alarm.Alarm),
	}
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	client, target := m.client, m.target
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		snap, err := client.Snapshot(ctx, target)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case snapshotMsg:
		m.applySnapshot(msg.snap)
	case errMsg:
		m.lastErr = msg.err
	case connectedMsg:
		m.connected = true
		m.lastErr = nil
		// Events may have been missed while disconnected.
		return m, m.fetch()
	case disconnectedMsg:
		m.connected = false
		m.retry = msg.retry
		m.lastErr = msg.err
	case eventMsg:
		m.applyEvent(msg.event)
	}
	return m, nil
}

func (m *Model) applySnapshot(s Snapshot) {
	m.encounters = make(map[uuid.UUID]encounter.Encounter, len(s.Encounters))
	for _, e := range s.Encounters {
		m.encounters[e.PatientID] = e
	}
	m.alarms = make(map[uuid.UUID]alarm.Alarm, len(s.Alarms))
	for _, a := range s.Alarms {
		if a.Status.IsOpen() {
			m.alarms[a.ID] = a
		}
	}
	m.fetchedAt = s.FetchedAt
	m.lastErr = nil
}

func (m *Model) applyEvent(ev websocket.Event) {
	switch ev.Type {
	case monitoring.EventEncounterTransitioned:
		var d monitoring.TransitionData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return
		}
		enc := d.Encounter
		if enc.Status.IsOpen() && m.follows(&enc) {
			m.encounters[enc.PatientID] = enc
		} else {
			delete(m.encounters, enc.PatientID)
			if m.target.Ward != "" {
				m.dropPatientAlarms(enc.PatientID)
			}
		}
		m.addLog(ev.Timestamp, fmt.Sprintf("%s %s -> %s %s", shortID(enc.PatientID), d.Action, d.To, enc.WardName()))
	default:
		var d monitoring.AlarmData
		if err := json.Unmarshal(ev.Data, &d); err != nil || d.Alarm.ID == uuid.Nil {
			return
		}
		a := d.Alarm
		if a.Status.IsOpen() {
			m.alarms[a.ID] = a
		} else {
			delete(m.alarms, a.ID)
		}
		m.addLog(ev.Timestamp, fmt.Sprintf("%s %s %s %s %g", shortID(a.PatientID), ev.Type, a.Severity, a.Parameter, a.Value))
	}
}

// follows reports whether an encounter belongs to the viewed target.
func (m *Model) follows(e *encounter.Encounter) bool {
	if m.target.Ward != "" {
		return e.WardName() == m.target.Ward
	}
	return e.PatientID == m.target.PatientID
}

func (m *Model) dropPatientAlarms(patientID uuid.UUID) {
	for id, a := range m.alarms {
		if a.PatientID == patientID {
			delete(m.alarms, id)
		}
	}
}

func (m *Model) addLog(at time.Time, line string) {
	m.log = append(m.log, at.Local().Format("15:04:05")+" "+line)
	if len(m.log) > logSize {
		m.log = m.log[len(m.log)-logSize:]
	}
}

// Counts totals the open alarms on screen.
func (m Model) Counts() alarm.Counts {
	var c alarm.Counts
	for _, a := range m.alarms {
		switch a.Severity {
		case alarm.SeverityCritical:
			c.Critical++
		case alarm.SeverityWarning:
			c.Warning++
		case alarm.SeverityInfo:
			c.Info++
		}
		c.Total++
	}
	return c
}

// sortedAlarms orders critical first, then oldest first.
func (m Model) sortedAlarms() []alarm.Alarm {
	out := make([]alarm.Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, a)
	}
	rank := map[alarm.Severity]int{alarm.SeverityCritical: 0, alarm.SeverityWarning: 1, alarm.SeverityInfo: 2}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Severity] != rank[out[j].Severity] {
			return rank[out[i].Severity] < rank[out[j].Severity]
		}
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out
}

func (m Model) View() string {
	var b strings.Builder

	status := okStyle.Render("live")
	if !m.connected {
		status = warnStyle.Render(fmt.Sprintf("reconnecting in %s", m.retry))
	}
	b.WriteString(titleStyle.Render("carewatch") + "  " + valueStyle.Render(m.target.String()) + "  " + status + "\n")

	c := m.Counts()
	b.WriteString(labelStyle.Render("open alarms ") +
		critStyle.Render(fmt.Sprintf("%d critical", c.Critical)) + "  " +
		warnStyle.Render(fmt.Sprintf("%d warning", c.Warning)) + "  " +
		valueStyle.Render(fmt.Sprintf("%d total", c.Total)) + "\n\n")

	var enc strings.Builder
	enc.WriteString(headerStyle.Render(fmt.Sprintf("%-9s %-10s %-16s %-8s", "PATIENT", "STATUS", "WARD", "BED")) + "\n")
	patients := make([]uuid.UUID, 0, len(m.encounters))
	for pid := range m.encounters {
		patients = append(patients, pid)
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].String() < patients[j].String() })
	for _, pid := range patients {
		e := m.encounters[pid]
		bed := ""
		if e.Bed != nil {
			bed = *e.Bed
		}
		enc.WriteString(fmt.Sprintf("%-9s %-10s %-16s %-8s\n", shortID(pid), e.Status, e.WardName(), bed))
	}
	if len(patients) == 0 {
		enc.WriteString(labelStyle.Render("no open encounter") + "\n")
	}
	b.WriteString(panelStyle.Render(strings.TrimRight(enc.String(), "\n")) + "\n")

	var al strings.Builder
	al.WriteString(headerStyle.Render(fmt.Sprintf("%-9s %-9s %-17s %8s %-13s %s", "PATIENT", "SEVERITY", "PARAMETER", "VALUE", "STATUS", "SINCE")) + "\n")
	for _, a := range m.sortedAlarms() {
		st := valueStyle
		if a.Status == alarm.StatusAcknowledged {
			st = ackStyle
		}
		al.WriteString(fmt.Sprintf("%-9s %s %-17s %8g %s %s\n",
			shortID(a.PatientID),
			severityStyle(a.Severity).Render(fmt.Sprintf("%-9s", a.Severity)),
			a.Parameter, a.Value,
			st.Render(fmt.Sprintf("%-13s", a.Status)),
			a.TriggeredAt.Local().Format("15:04:05")))
	}
	if len(m.alarms) == 0 {
		al.WriteString(okStyle.Render("no open alarms") + "\n")
	}
	b.WriteString(panelStyle.Render(strings.TrimRight(al.String(), "\n")) + "\n")

	if len(m.log) > 0 {
		b.WriteString(labelStyle.Render("recent events") + "\n")
		for _, l := range m.log {
			b.WriteString("  " + l + "\n")
		}
	}
	if m.lastErr != nil {
		b.WriteString(critStyle.Render("error: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString(helpStyle.Render("r refresh  q quit"))
	return b.String()
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
