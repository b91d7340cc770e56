package alarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/domain/vitals"
)

// EncounterLoader is the part of encounter.Repository the evaluator needs.
type EncounterLoader interface {
	LoadActive(ctx context.Context, patientID uuid.UUID) (*encounter.Encounter, error)
}

// Monitor is the evaluator's view of whether a patient is being monitored.
type Monitor struct {
	Active      bool
	EncounterID uuid.UUID
	Ward        string
}

// Evaluator turns readings into alarm lifecycle commands. It consults the
// rule store and the monitoring gate and never touches alarm storage itself.
type Evaluator struct {
	rules      threshold.Store
	alarms     *Manager
	encounters EncounterLoader
	logger     zerolog.Logger

	mu       sync.Mutex
	monitors map[uuid.UUID]Monitor
}

func NewEvaluator(rules threshold.Store, alarms *Manager, encounters EncounterLoader, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		rules:      rules,
		alarms:     alarms,
		encounters: encounters,
		logger:     logger.With().Str("component", "evaluator").Logger(),
		monitors:   make(map[uuid.UUID]Monitor),
	}
}

// EncounterTransitioned keeps the monitoring gate in step with the encounter
// state machine: only an active encounter enables evaluation.
func (e *Evaluator) EncounterTransitioned(_ context.Context, t encounter.Transition) {
	mon := Monitor{
		Active:      t.Encounter.Status == encounter.StatusActive,
		EncounterID: t.Encounter.ID,
		Ward:        t.Encounter.WardName(),
	}
	e.mu.Lock()
	e.monitors[t.Encounter.PatientID] = mon
	e.mu.Unlock()
}

// Monitoring returns the gate state for a patient, loading it from the
// encounter repository on first use.
func (e *Evaluator) Monitoring(ctx context.Context, patientID uuid.UUID) (Monitor, error) {
	e.mu.Lock()
	mon, ok := e.monitors[patientID]
	e.mu.Unlock()
	if ok {
		return mon, nil
	}

	enc, err := e.encounters.LoadActive(ctx, patientID)
	if err != nil {
		return Monitor{}, fmt.Errorf("load active encounter: %w", err)
	}
	if enc != nil {
		mon = Monitor{Active: enc.Status == encounter.StatusActive, EncounterID: enc.ID, Ward: enc.WardName()}
	}
	e.mu.Lock()
	e.monitors[patientID] = mon
	e.mu.Unlock()
	return mon, nil
}

// Forget drops the cached gate state of a patient.
func (e *Evaluator) Forget(patientID uuid.UUID) {
	e.mu.Lock()
	delete(e.monitors, patientID)
	e.mu.Unlock()
}

// Evaluate classifies every value in the reading and applies the resulting
// alarm transitions. Parameters are independent. When a command fails the
// changes already committed are returned together with the error.
func (e *Evaluator) Evaluate(ctx context.Context, r *vitals.VitalReading) ([]Change, error) {
	mon, err := e.Monitoring(ctx, r.PatientID)
	if err != nil {
		return nil, err
	}
	if !mon.Active {
		return nil, nil
	}
	if r.EncounterID != nil && *r.EncounterID != mon.EncounterID {
		e.logger.Debug().
			Str("patient_id", r.PatientID.String()).
			Str("reading_encounter", r.EncounterID.String()).
			Str("active_encounter", mon.EncounterID.String()).
			Msg("reading belongs to another encounter, not evaluated")
		return nil, nil
	}

	var readingID *uuid.UUID
	if r.ID != uuid.Nil {
		id := r.ID
		readingID = &id
	}
	encID := mon.EncounterID

	var changes []Change
	for _, m := range r.Measurements() {
		rule, err := e.rules.GetRule(ctx, &r.PatientID, m.Parameter)
		if err != nil {
			return changes, err
		}
		if rule == nil {
			continue
		}

		c := threshold.Classify(m.Value, *rule)
		open, err := e.alarms.Open(ctx, r.PatientID, m.Parameter)
		if err != nil {
			return changes, err
		}

		if c.IsNormal() {
			if open == nil {
				continue
			}
			resolved, err := e.alarms.Resolve(ctx, open.ID, "", ResolutionAuto)
			if err != nil {
				return changes, err
			}
			changes = append(changes, Change{Kind: Resolved, Alarm: *resolved, PreviousSeverity: open.Severity})
			continue
		}

		obs := Observation{
			PatientID:     r.PatientID,
			EncounterID:   &encID,
			ReadingID:     readingID,
			Parameter:     m.Parameter,
			Value:         m.Value,
			ViolatedBound: c.Bound,
			Direction:     c.Direction,
			Severity:      SeverityOf(c.Level),
			At:            r.ReceivedAt,
		}
		if open != nil {
			updated, err := e.alarms.Update(ctx, open.ID, obs)
			if err != nil {
				return changes, err
			}
			changes = append(changes, Change{Kind: Updated, Alarm: *updated, PreviousSeverity: open.Severity})
			continue
		}
		raised, err := e.alarms.Raise(ctx, obs)
		if err != nil {
			return changes, err
		}
		changes = append(changes, Change{Kind: Raised, Alarm: *raised})
	}
	return changes, nil
}
