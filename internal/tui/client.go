// Package tui is the terminal viewer behind "carewatch watch". It loads the
// current state of a patient or ward over REST, then follows the WebSocket
// stream and re-fetches whenever the stream reconnects.
package tui

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
)

// Target is what the viewer follows: one patient or one ward.
type Target struct {
	PatientID uuid.UUID
	Ward      string
}

func (t Target) Validate() error {
	if (t.PatientID == uuid.Nil) == (t.Ward == "") {
		return fmt.Errorf("exactly one of patient or ward is required")
	}
	return nil
}

func (t Target) String() string {
	if t.Ward != "" {
		return "ward " + t.Ward
	}
	return "patient " + t.PatientID.String()
}

// Snapshot is the state loaded over REST.
type Snapshot struct {
	Encounters []encounter.Encounter
	Alarms     []alarm.Alarm
	FetchedAt  time.Time
}

// Client reads monitoring state from the REST API.
type Client struct {
	http *resty.Client
}

func NewClient(server, token string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(server, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client}
}

// ActiveEncounter returns the patient's open encounter, or nil when there is
// none.
func (c *Client) ActiveEncounter(ctx context.Context, patientID uuid.UUID) (*encounter.Encounter, error) {
	var enc encounter.Encounter
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("patient_id", patientID.String()).
		SetResult(&enc).
		Get("/api/v1/patients/{patient_id}/encounter")
	if err != nil {
		return nil, fmt.Errorf("get active encounter: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get active encounter: %s", resp.Status())
	}
	return &enc, nil
}

func (c *Client) ActiveAlarms(ctx context.Context, patientID uuid.UUID) ([]alarm.Alarm, error) {
	var alarms []alarm.Alarm
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("patient_id", patientID.String()).
		SetResult(&alarms).
		Get("/api/v1/patients/{patient_id}/alarms/active")
	if err != nil {
		return nil, fmt.Errorf("get active alarms: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get active alarms: %s", resp.Status())
	}
	return alarms, nil
}

func (c *Client) WardEncounters(ctx context.Context, ward string) ([]encounter.Encounter, error) {
	var encs []encounter.Encounter
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("ward", ward).
		SetResult(&encs).
		Get("/api/v1/wards/{ward}/encounters")
	if err != nil {
		return nil, fmt.Errorf("get ward encounters: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get ward encounters: %s", resp.Status())
	}
	return encs, nil
}

// Snapshot loads the encounters and open alarms of the target.
func (c *Client) Snapshot(ctx context.Context, t Target) (Snapshot, error) {
	snap := Snapshot{FetchedAt: time.Now()}
	var patients []uuid.UUID
	if t.Ward != "" {
		encs, err := c.WardEncounters(ctx, t.Ward)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Encounters = encs
		for _, e := range encs {
			patients = append(patients, e.PatientID)
		}
	} else {
		enc, err := c.ActiveEncounter(ctx, t.PatientID)
		if err != nil {
			return Snapshot{}, err
		}
		if enc != nil {
			snap.Encounters = []encounter.Encounter{*enc}
		}
		patients = []uuid.UUID{t.PatientID}
	}

	for _, pid := range patients {
		alarms, err := c.ActiveAlarms(ctx, pid)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Alarms = append(snap.Alarms, alarms...)
	}
	return snap, nil
}
