// Package monitoring is the command and query surface of carewatch. Every
// command for a patient runs inside that patient's actor, so encounter
// transitions, readings and alarm changes of one patient are applied one at
// a time and published in commit order.
package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/actor"
	"github.com/ehr/carewatch/internal/platform/apperror"
	"github.com/ehr/carewatch/internal/platform/telemetry"
	"github.com/ehr/carewatch/internal/platform/websocket"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Encounters encounter.Repository
	Alarms     alarm.Repository
	Readings   vitals.Repository
	Rules      threshold.Store
	Publishers []websocket.EventPublisher
	Telemetry  *telemetry.TelemetryProvider
	Logger     zerolog.Logger
}

// Config tunes a Service.
type Config struct {
	ClockSkew time.Duration
	Actors    actor.Config
}

// IngestResult is the outcome of one accepted reading.
type IngestResult struct {
	Reading vitals.VitalReading `json:"reading"`
	Changes []alarm.Change      `json:"-"`
	Alarms  []alarm.Alarm       `json:"alarms"`
}

type Service struct {
	encounters encounter.Repository
	alarmRepo  alarm.Repository
	readings   vitals.Repository
	rules      threshold.Store

	machine   *encounter.Machine
	manager   *alarm.Manager
	evaluator *alarm.Evaluator
	actors    *actor.Group[uuid.UUID]

	normalizer vitals.Normalizer
	publishers []websocket.EventPublisher
	tp         *telemetry.TelemetryProvider
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger.With().Str("component", "monitoring").Logger()
	s := &Service{
		encounters: deps.Encounters,
		alarmRepo:  deps.Alarms,
		readings:   deps.Readings,
		rules:      deps.Rules,
		manager:    alarm.NewManager(deps.Alarms),
		actors:     actor.NewGroup[uuid.UUID](cfg.Actors, deps.Logger),
		normalizer: vitals.Normalizer{ClockSkew: cfg.ClockSkew},
		publishers: deps.Publishers,
		tp:         deps.Telemetry,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.evaluator = alarm.NewEvaluator(deps.Rules, s.manager, deps.Encounters, deps.Logger)
	// The evaluator's gate must be updated before the transition is
	// published, so it listens first.
	s.machine = encounter.NewMachine(deps.Encounters, s.evaluator, encounter.ListenerFunc(s.publishTransition))

	s.actors.OnCountChange(func(n int) { s.tp.SetGauge(telemetry.PatientActors, int64(n)) })
	s.actors.OnReap(func(patientID uuid.UUID) {
		s.manager.Forget(patientID)
		s.evaluator.Forget(patientID)
	})
	return s
}

// SetClock overrides the time source of the service and its state machines.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.machine.SetClock(now)
	s.manager.SetClock(now)
}

// Close stops the patient actors. Commands issued afterwards fail.
func (s *Service) Close() {
	s.actors.Close()
}

// ActorCount returns the number of live patient actors.
func (s *Service) ActorCount() int { return s.actors.Len() }

// do runs fn inside the patient's actor. It fails with actor.ErrClosed once
// the service has been closed.
func (s *Service) do(ctx context.Context, patientID uuid.UUID, fn func(ctx context.Context) error) error {
	return s.actors.Do(ctx, patientID, fn)
}

// ---------------------------------------------------------------------------
// Encounter commands
// ---------------------------------------------------------------------------

func (s *Service) Admit(ctx context.Context, req encounter.AdmitRequest) (*encounter.Encounter, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperror.Validation("patient_id is required")
	}
	var enc *encounter.Encounter
	err := s.do(ctx, req.PatientID, func(ctx context.Context) error {
		var err error
		enc, err = s.machine.Admit(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("patient_id", enc.PatientID.String()).
		Str("encounter_id", enc.ID.String()).
		Str("status", string(enc.Status)).
		Msg("patient admitted")
	return enc, nil
}

// onEncounter resolves the owning patient and runs fn inside its actor.
func (s *Service) onEncounter(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) (*encounter.Encounter, error)) (*encounter.Encounter, error) {
	cur, err := s.encounters.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var enc *encounter.Encounter
	err = s.do(ctx, cur.PatientID, func(ctx context.Context) error {
		var err error
		enc, err = fn(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (s *Service) Start(ctx context.Context, id uuid.UUID, actor string) (*encounter.Encounter, error) {
	return s.onEncounter(ctx, id, func(ctx context.Context) (*encounter.Encounter, error) {
		return s.machine.Start(ctx, id, actor)
	})
}

func (s *Service) Transfer(ctx context.Context, id uuid.UUID, ward, bed, actor string) (*encounter.Encounter, error) {
	return s.onEncounter(ctx, id, func(ctx context.Context) (*encounter.Encounter, error) {
		return s.machine.Transfer(ctx, id, ward, bed, actor)
	})
}

func (s *Service) Discharge(ctx context.Context, id uuid.UUID, reason, actor string) (*encounter.Encounter, error) {
	return s.onEncounter(ctx, id, func(ctx context.Context) (*encounter.Encounter, error) {
		return s.machine.Discharge(ctx, id, reason, actor)
	})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*encounter.Encounter, error) {
	return s.onEncounter(ctx, id, func(ctx context.Context) (*encounter.Encounter, error) {
		return s.machine.Cancel(ctx, id, reason, actor)
	})
}

func (s *Service) publishTransition(ctx context.Context, t encounter.Transition) {
	s.publish(ctx, TransitionEvent(t))
}

// ---------------------------------------------------------------------------
// Vital ingestion
// ---------------------------------------------------------------------------

// IngestVital validates a raw reading, appends it and evaluates it. The
// reading is stored even when the patient is not monitored. When evaluation
// fails part way, the alarm changes already committed are still published.
func (s *Service) IngestVital(ctx context.Context, raw vitals.RawReading) (*IngestResult, error) {
	r, err := s.normalizer.Normalize(raw, s.now())
	if err != nil {
		s.tp.Inc(telemetry.VitalsRejected, sourceLabel(raw.Source))
		return nil, err
	}

	res := &IngestResult{}
	err = s.do(ctx, r.PatientID, func(ctx context.Context) error {
		r.ID = uuid.New()
		if err := s.readings.Append(ctx, &r); err != nil {
			return fmt.Errorf("append reading: %w", err)
		}
		s.tp.Inc(telemetry.VitalsIngested, string(r.Source))
		res.Reading = r

		changes, evalErr := s.evaluator.Evaluate(ctx, &r)
		res.Changes = changes
		s.publishChanges(ctx, r.PatientID, changes)
		return evalErr
	})
	for _, c := range res.Changes {
		res.Alarms = append(res.Alarms, c.Alarm)
	}
	if err != nil {
		if res.Reading.ID != uuid.Nil {
			s.logger.Error().Err(err).
				Str("patient_id", r.PatientID.String()).
				Str("reading_id", r.ID.String()).
				Int("committed_changes", len(res.Changes)).
				Msg("reading stored but evaluation failed")
		}
		return res, err
	}
	return res, nil
}

// Ingest adapts IngestVital to vitals.IngestFunc for the transports.
func (s *Service) Ingest(ctx context.Context, raw vitals.RawReading) error {
	_, err := s.IngestVital(ctx, raw)
	return err
}

func sourceLabel(src string) string {
	s := vitals.Source(strings.ToLower(strings.TrimSpace(src)))
	if !s.Valid() {
		return "unknown"
	}
	return string(s)
}

// ---------------------------------------------------------------------------
// Alarm commands
// ---------------------------------------------------------------------------

// onAlarm resolves the owning patient and runs fn inside its actor.
func (s *Service) onAlarm(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) (*alarm.Alarm, error), kind alarm.ChangeKind) (*alarm.Alarm, error) {
	cur, err := s.alarmRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var a *alarm.Alarm
	err = s.do(ctx, cur.PatientID, func(ctx context.Context) error {
		var err error
		if a, err = fn(ctx); err != nil {
			return err
		}
		s.publishChanges(ctx, a.PatientID, []alarm.Change{{Kind: kind, Alarm: *a}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AcknowledgeAlarm marks an active alarm as seen by actor.
func (s *Service) AcknowledgeAlarm(ctx context.Context, id uuid.UUID, actor string) (*alarm.Alarm, error) {
	return s.onAlarm(ctx, id, func(ctx context.Context) (*alarm.Alarm, error) {
		return s.manager.Acknowledge(ctx, id, actor)
	}, alarm.Acknowledged)
}

// ResolveAlarm closes an open alarm on behalf of actor.
func (s *Service) ResolveAlarm(ctx context.Context, id uuid.UUID, actor string) (*alarm.Alarm, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, apperror.Validation("actor is required to resolve an alarm")
	}
	return s.onAlarm(ctx, id, func(ctx context.Context) (*alarm.Alarm, error) {
		return s.manager.Resolve(ctx, id, actor, alarm.ResolutionManual)
	}, alarm.Resolved)
}

func (s *Service) publishChanges(ctx context.Context, patientID uuid.UUID, changes []alarm.Change) {
	if len(changes) == 0 {
		return
	}
	ward := ""
	if mon, err := s.evaluator.Monitoring(ctx, patientID); err == nil {
		ward = mon.Ward
	}
	for _, c := range changes {
		switch c.Kind {
		case alarm.Raised:
			s.tp.Inc(telemetry.AlarmsRaised, string(c.Alarm.Severity))
		case alarm.Resolved:
			cause := string(alarm.ResolutionManual)
			if c.Alarm.Resolution != nil {
				cause = string(*c.Alarm.Resolution)
			}
			s.tp.Inc(telemetry.AlarmsResolved, cause)
		}
		s.logger.Info().
			Str("patient_id", patientID.String()).
			Str("alarm_id", c.Alarm.ID.String()).
			Str("parameter", string(c.Alarm.Parameter)).
			Str("severity", string(c.Alarm.Severity)).
			Str("change", string(c.Kind)).
			Msg("alarm changed")
		s.publish(ctx, AlarmEvent(c, ward))
	}
}

func (s *Service) publish(ctx context.Context, ev websocket.Event) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("publish failed")
		}
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------
//
// Queries read committed state from the repositories and never enter an actor.

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error) {
	return s.encounters.Get(ctx, id)
}

// GetActiveEncounter returns the patient's planned or active encounter.
func (s *Service) GetActiveEncounter(ctx context.Context, patientID uuid.UUID) (*encounter.Encounter, error) {
	enc, err := s.encounters.LoadActive(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, apperror.NotFound("patient %s has no open encounter", patientID)
	}
	return enc, nil
}

func (s *Service) ListEncounters(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*encounter.Encounter, int, error) {
	return s.encounters.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListWardEncounters(ctx context.Context, ward string) ([]*encounter.Encounter, error) {
	if strings.TrimSpace(ward) == "" {
		return nil, apperror.Validation("ward is required")
	}
	return s.encounters.ListActiveByWard(ctx, ward)
}

func (s *Service) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*encounter.StatusHistory, error) {
	if _, err := s.encounters.Get(ctx, encounterID); err != nil {
		return nil, err
	}
	return s.encounters.GetStatusHistory(ctx, encounterID)
}

func (s *Service) GetAlarm(ctx context.Context, id uuid.UUID) (*alarm.Alarm, error) {
	return s.alarmRepo.Get(ctx, id)
}

// GetActiveAlarms returns the patient's open alarms.
func (s *Service) GetActiveAlarms(ctx context.Context, patientID uuid.UUID) ([]*alarm.Alarm, error) {
	return s.alarmRepo.LoadActive(ctx, patientID)
}

func (s *Service) ListAlarms(ctx context.Context, patientID uuid.UUID, status *alarm.Status, limit, offset int) ([]*alarm.Alarm, int, error) {
	if status != nil && !status.Valid() {
		return nil, 0, apperror.Validation("unknown alarm status %q", *status)
	}
	return s.alarmRepo.ListByPatient(ctx, patientID, status, limit, offset)
}

// GetAlarmCounts counts open alarms for a patient, a ward or everything.
func (s *Service) GetAlarmCounts(ctx context.Context, scope alarm.CountScope) (alarm.Counts, error) {
	if scope.PatientID != nil && scope.Ward != "" {
		return alarm.Counts{}, apperror.Validation("count either by patient or by ward")
	}
	return s.alarmRepo.Counts(ctx, scope)
}

func (s *Service) ListReadings(ctx context.Context, patientID uuid.UUID, since *time.Time, limit, offset int) ([]*vitals.VitalReading, int, error) {
	return s.readings.ListByPatient(ctx, patientID, since, limit, offset)
}

// EffectiveRule returns the rule evaluated for the patient's parameter.
func (s *Service) EffectiveRule(ctx context.Context, patientID uuid.UUID, p vitals.Parameter) (*threshold.Rule, error) {
	if !p.Valid() {
		return nil, apperror.Validation("unknown parameter %q", p)
	}
	rule, err := s.rules.GetRule(ctx, &patientID, p)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, apperror.NotFound("no rule for %s", p)
	}
	return rule, nil
}
