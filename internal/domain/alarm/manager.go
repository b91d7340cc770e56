package alarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
)

// Manager owns alarm status. It keeps each patient's open alarms in memory,
// loaded on first use, and writes every transition to the repository before
// updating that view. Callers serialize calls per patient; the manager's own
// lock only protects the map shared between patients.
type Manager struct {
	repo Repository
	now  func() time.Time

	mu     sync.Mutex
	open   map[uuid.UUID]map[vitals.Parameter]*Alarm
	owners map[uuid.UUID]uuid.UUID // open alarm ID -> patient ID
}

func NewManager(repo Repository) *Manager {
	return &Manager{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		open:   make(map[uuid.UUID]map[vitals.Parameter]*Alarm),
		owners: make(map[uuid.UUID]uuid.UUID),
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) openFor(ctx context.Context, patientID uuid.UUID) (map[vitals.Parameter]*Alarm, error) {
	m.mu.Lock()
	byParam, ok := m.open[patientID]
	m.mu.Unlock()
	if ok {
		return byParam, nil
	}

	alarms, err := m.repo.LoadActive(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load open alarms: %w", err)
	}
	byParam = make(map[vitals.Parameter]*Alarm, len(alarms))
	for _, a := range alarms {
		byParam[a.Parameter] = a
	}
	m.mu.Lock()
	m.open[patientID] = byParam
	for _, a := range alarms {
		m.owners[a.ID] = patientID
	}
	m.mu.Unlock()
	return byParam, nil
}

// commit records a saved alarm in the open view.
func (m *Manager) commit(a *Alarm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byParam, ok := m.open[a.PatientID]
	if !ok {
		return
	}
	if a.Status.IsOpen() {
		cp := *a
		byParam[a.Parameter] = &cp
		m.owners[a.ID] = a.PatientID
		return
	}
	delete(m.owners, a.ID)
	if cur, ok := byParam[a.Parameter]; ok && cur.ID == a.ID {
		delete(byParam, a.Parameter)
	}
}

// Open returns the patient's open alarm for p, or nil.
func (m *Manager) Open(ctx context.Context, patientID uuid.UUID, p vitals.Parameter) (*Alarm, error) {
	byParam, err := m.openFor(ctx, patientID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := byParam[p]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// Active returns all open alarms of the patient.
func (m *Manager) Active(ctx context.Context, patientID uuid.UUID) ([]*Alarm, error) {
	byParam, err := m.openFor(ctx, patientID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alarm, 0, len(byParam))
	for _, p := range vitals.Parameters {
		if a, ok := byParam[p]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Raise creates an active alarm. It refuses when the patient already has an
// open alarm for the parameter; use Update for repeated violations.
func (m *Manager) Raise(ctx context.Context, obs Observation) (*Alarm, error) {
	existing, err := m.Open(ctx, obs.PatientID, obs.Parameter)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperror.Conflict("patient %s already has an open %s alarm %s", obs.PatientID, obs.Parameter, existing.ID)
	}

	at := obs.At
	if at.IsZero() {
		at = m.now()
	}
	a := &Alarm{
		ID:            uuid.New(),
		PatientID:     obs.PatientID,
		EncounterID:   obs.EncounterID,
		ReadingID:     obs.ReadingID,
		Parameter:     obs.Parameter,
		Value:         obs.Value,
		ViolatedBound: obs.ViolatedBound,
		Direction:     obs.Direction,
		Severity:      obs.Severity,
		Status:        StatusActive,
		Occurrences:   1,
		TriggeredAt:   at,
		UpdatedAt:     at,
	}
	if err := m.repo.Save(ctx, a); err != nil {
		return nil, err
	}
	m.commit(a)
	return a, nil
}

// Update folds a repeated violation into the open alarm: value, bound and
// severity follow the newest observation and the occurrence count grows. The
// status is left as it is.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, obs Observation) (*Alarm, error) {
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Status.IsOpen() {
		return nil, apperror.InvalidState("alarm %s is %s", id, cur.Status)
	}

	at := obs.At
	if at.IsZero() {
		at = m.now()
	}
	next := *cur
	next.Value = obs.Value
	next.ViolatedBound = obs.ViolatedBound
	next.Direction = obs.Direction
	next.Severity = obs.Severity
	next.ReadingID = obs.ReadingID
	if obs.EncounterID != nil {
		next.EncounterID = obs.EncounterID
	}
	next.Occurrences++
	next.UpdatedAt = at
	if err := m.repo.Save(ctx, &next); err != nil {
		return nil, err
	}
	m.commit(&next)
	return &next, nil
}

// Acknowledge marks an active alarm as seen. Any other status is an invalid
// state, and acknowledged_at keeps its first value.
func (m *Manager) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*Alarm, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, apperror.Validation("actor is required to acknowledge an alarm")
	}
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusActive {
		return nil, apperror.InvalidState("alarm %s is already %s", id, cur.Status)
	}

	now := m.now()
	next := *cur
	next.Status = StatusAcknowledged
	next.AcknowledgedAt = &now
	next.AcknowledgedBy = &actor
	next.UpdatedAt = now
	if err := m.repo.Save(ctx, &next); err != nil {
		return nil, err
	}
	m.commit(&next)
	return &next, nil
}

// Resolve closes an active or acknowledged alarm. actor may be empty for
// automatic resolution.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, actor string, cause Resolution) (*Alarm, error) {
	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Status.IsOpen() {
		return nil, apperror.InvalidState("alarm %s is already resolved", id)
	}

	now := m.now()
	next := *cur
	next.Status = StatusResolved
	next.ResolvedAt = &now
	if actor = strings.TrimSpace(actor); actor != "" {
		next.ResolvedBy = &actor
	}
	c := cause
	next.Resolution = &c
	next.UpdatedAt = now
	if err := m.repo.Save(ctx, &next); err != nil {
		return nil, err
	}
	m.commit(&next)
	return &next, nil
}

// load prefers the open view, which is current for patients the manager has
// seen, and falls back to the repository.
func (m *Manager) load(ctx context.Context, id uuid.UUID) (*Alarm, error) {
	m.mu.Lock()
	if patientID, ok := m.owners[id]; ok {
		for _, a := range m.open[patientID] {
			if a.ID == id {
				cp := *a
				m.mu.Unlock()
				return &cp, nil
			}
		}
	}
	m.mu.Unlock()
	return m.repo.Get(ctx, id)
}

// Forget drops the cached view of a patient.
func (m *Manager) Forget(patientID uuid.UUID) {
	m.mu.Lock()
	for _, a := range m.open[patientID] {
		delete(m.owners, a.ID)
	}
	delete(m.open, patientID)
	m.mu.Unlock()
}
