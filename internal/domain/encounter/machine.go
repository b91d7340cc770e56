package encounter

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/platform/apperror"
)

// AdmitRequest carries the fields of an admission.
type AdmitRequest struct {
	PatientID    uuid.UUID  `json:"patient_id"`
	Type         Type       `json:"type"`
	Ward         string     `json:"ward,omitempty"`
	Bed          string     `json:"bed,omitempty"`
	PlannedStart *time.Time `json:"planned_start,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	AttendingID  string     `json:"attending_id,omitempty"`
	Actor        string     `json:"-"`
}

// Transition describes one committed state change. Encounter is a snapshot
// taken after the change.
type Transition struct {
	Action       Action
	Encounter    Encounter
	From         Status // "" for admissions
	PreviousWard string
	Actor        string
	At           time.Time
}

// Listener is told about every committed transition, in commit order.
type Listener interface {
	EncounterTransitioned(ctx context.Context, t Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, t Transition)

func (f ListenerFunc) EncounterTransitioned(ctx context.Context, t Transition) { f(ctx, t) }

// Machine owns encounter status. Callers serialize calls per patient; the
// machine itself holds no per-patient state and re-reads the encounter on
// every command so that it always validates against committed state.
type Machine struct {
	repo      Repository
	listeners []Listener
	now       func() time.Time
}

func NewMachine(repo Repository, listeners ...Listener) *Machine {
	return &Machine{repo: repo, listeners: listeners, now: func() time.Time { return time.Now().UTC() }}
}

// AddListener registers l after the existing listeners.
func (m *Machine) AddListener(l Listener) { m.listeners = append(m.listeners, l) }

// SetClock overrides the time source.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Admit opens an encounter: active, or planned when PlannedStart lies in the
// future. A patient with an open encounter gets a conflict error.
func (m *Machine) Admit(ctx context.Context, req AdmitRequest) (*Encounter, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperror.Validation("patient_id is required")
	}
	if !req.Type.Valid() {
		return nil, apperror.Validation("type must be one of hospitalization, home-care, ambulatory")
	}
	ward := strings.TrimSpace(req.Ward)
	if req.Type == TypeHospitalization && ward == "" {
		return nil, apperror.Validation("ward is required for hospitalization")
	}

	existing, err := m.repo.LoadActive(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperror.Conflict("patient %s already has a %s encounter %s", req.PatientID, existing.Status, existing.ID)
	}

	now := m.now()
	enc := &Encounter{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		Type:        req.Type,
		Status:      StatusActive,
		Ward:        strPtr(ward),
		Bed:         strPtr(strings.TrimSpace(req.Bed)),
		Reason:      strPtr(strings.TrimSpace(req.Reason)),
		AttendingID: strPtr(strings.TrimSpace(req.AttendingID)),
		LastActor:   strPtr(req.Actor),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.PlannedStart != nil && req.PlannedStart.After(now) {
		ps := req.PlannedStart.UTC()
		enc.Status = StatusPlanned
		enc.PlannedStart = &ps
	} else {
		enc.AdmittedAt = &now
	}

	if err := m.commit(ctx, enc, ActionAdmit, "", "", req.Actor, req.Reason, now); err != nil {
		return nil, err
	}
	return enc, nil
}

// Start activates a planned encounter when the patient arrives.
func (m *Machine) Start(ctx context.Context, id uuid.UUID, actor string) (*Encounter, error) {
	enc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if enc.Status != StatusPlanned {
		return nil, apperror.InvalidState("encounter %s is %s; only planned encounters can be started", id, enc.Status)
	}

	now := m.now()
	next := *enc
	next.Status = StatusActive
	next.AdmittedAt = &now
	next.LastActor = strPtr(actor)
	next.UpdatedAt = now
	if err := m.commit(ctx, &next, ActionStart, enc.Status, enc.WardName(), actor, "", now); err != nil {
		return nil, err
	}
	return &next, nil
}

// Transfer moves an active encounter to another ward and bed. The status is
// unchanged.
func (m *Machine) Transfer(ctx context.Context, id uuid.UUID, ward, bed, actor string) (*Encounter, error) {
	ward = strings.TrimSpace(ward)
	if ward == "" {
		return nil, apperror.Validation("ward is required")
	}
	enc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if enc.Status != StatusActive {
		return nil, apperror.InvalidState("encounter %s is %s; only active encounters can be transferred", id, enc.Status)
	}

	now := m.now()
	next := *enc
	next.Ward = strPtr(ward)
	next.Bed = strPtr(strings.TrimSpace(bed))
	next.LastActor = strPtr(actor)
	next.UpdatedAt = now
	if err := m.commit(ctx, &next, ActionTransfer, enc.Status, enc.WardName(), actor, "", now); err != nil {
		return nil, err
	}
	return &next, nil
}

// Discharge finishes an active encounter.
func (m *Machine) Discharge(ctx context.Context, id uuid.UUID, reason, actor string) (*Encounter, error) {
	enc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if enc.Status != StatusActive {
		return nil, apperror.InvalidState("encounter %s is %s; only active encounters can be discharged", id, enc.Status)
	}

	now := m.now()
	next := *enc
	next.Status = StatusFinished
	next.DischargedAt = &now
	next.DischargeReason = strPtr(strings.TrimSpace(reason))
	next.LastActor = strPtr(actor)
	next.UpdatedAt = now
	if err := m.commit(ctx, &next, ActionDischarge, enc.Status, enc.WardName(), actor, reason, now); err != nil {
		return nil, err
	}
	return &next, nil
}

// Cancel ends a planned or active encounter without a discharge.
func (m *Machine) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Encounter, error) {
	enc, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enc.Status.IsOpen() {
		return nil, apperror.InvalidState("encounter %s is already %s", id, enc.Status)
	}

	now := m.now()
	next := *enc
	next.Status = StatusCancelled
	next.CancelledAt = &now
	next.LastActor = strPtr(actor)
	next.UpdatedAt = now
	if err := m.commit(ctx, &next, ActionCancel, enc.Status, enc.WardName(), actor, reason, now); err != nil {
		return nil, err
	}
	return &next, nil
}

// commit persists next with its history row, then notifies listeners. A
// failed save returns before any listener runs.
func (m *Machine) commit(ctx context.Context, next *Encounter, action Action, from Status, prevWard, actor, reason string, now time.Time) error {
	h := &StatusHistory{
		EncounterID: next.ID,
		Action:      action,
		Status:      next.Status,
		Ward:        next.Ward,
		Bed:         next.Bed,
		Actor:       strPtr(actor),
		Reason:      strPtr(strings.TrimSpace(reason)),
		ChangedAt:   now,
	}
	if from != "" {
		f := from
		h.PreviousStatus = &f
	}
	if err := m.repo.Save(ctx, next, h); err != nil {
		return err
	}

	t := Transition{
		Action:       action,
		Encounter:    *next,
		From:         from,
		PreviousWard: prevWard,
		Actor:        actor,
		At:           now,
	}
	for _, l := range m.listeners {
		l.EncounterTransitioned(ctx, t)
	}
	return nil
}
