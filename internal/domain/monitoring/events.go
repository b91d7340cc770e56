package monitoring

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/platform/websocket"
)

// Event types published on the fan-out channel.
const (
	EventEncounterTransitioned = "encounter.transitioned"
	EventAlarmRaised           = "alarm.raised"
	EventAlarmUpdated          = "alarm.updated"
	EventAlarmAcknowledged     = "alarm.acknowledged"
	EventAlarmResolved         = "alarm.resolved"
)

var alarmEventTypes = map[alarm.ChangeKind]string{
	alarm.Raised:       EventAlarmRaised,
	alarm.Updated:      EventAlarmUpdated,
	alarm.Acknowledged: EventAlarmAcknowledged,
	alarm.Resolved:     EventAlarmResolved,
}

// TransitionData is the payload of encounter.transitioned.
type TransitionData struct {
	Action       encounter.Action    `json:"action"`
	From         encounter.Status    `json:"from,omitempty"`
	To           encounter.Status    `json:"to"`
	PreviousWard string              `json:"previous_ward,omitempty"`
	Actor        string              `json:"actor,omitempty"`
	Encounter    encounter.Encounter `json:"encounter"`
}

// AlarmData is the payload of the alarm.* events.
type AlarmData struct {
	Alarm            alarm.Alarm    `json:"alarm"`
	PreviousSeverity alarm.Severity `json:"previous_severity,omitempty"`
}

// TransitionEvent builds the event for a committed encounter transition.
func TransitionEvent(t encounter.Transition) websocket.Event {
	data, _ := json.Marshal(TransitionData{
		Action:       t.Action,
		From:         t.From,
		To:           t.Encounter.Status,
		PreviousWard: t.PreviousWard,
		Actor:        t.Actor,
		Encounter:    t.Encounter,
	})
	ev := websocket.Event{
		ID:        uuid.New(),
		Type:      EventEncounterTransitioned,
		PatientID: t.Encounter.PatientID,
		Ward:      t.Encounter.WardName(),
		Timestamp: eventTime(t.At),
		Data:      data,
	}
	if t.Action == encounter.ActionTransfer {
		ev.PreviousWard = t.PreviousWard
	}
	return ev
}

// AlarmEvent builds the event for a committed alarm change. ward is the
// patient's current ward, if any.
func AlarmEvent(c alarm.Change, ward string) websocket.Event {
	data, _ := json.Marshal(AlarmData{Alarm: c.Alarm, PreviousSeverity: c.PreviousSeverity})
	return websocket.Event{
		ID:        uuid.New(),
		Type:      alarmEventTypes[c.Kind],
		PatientID: c.Alarm.PatientID,
		Ward:      ward,
		Timestamp: eventTime(c.Alarm.UpdatedAt),
		Data:      data,
	}
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
