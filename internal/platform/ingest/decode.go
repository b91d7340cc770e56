// Package ingest subscribes to device vital-sign feeds on MQTT and Kafka and
// hands every decoded reading to the monitoring service.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
)

// Decode parses a JSON device payload. fallbackPatient fills patient_id when
// the payload omits it (taken from the MQTT topic or the Kafka key). The
// source defaults to device.
func Decode(payload []byte, fallbackPatient string) (vitals.RawReading, error) {
	var raw vitals.RawReading
	if err := json.Unmarshal(bytes.TrimSpace(payload), &raw); err != nil {
		return raw, apperror.Validation("invalid device payload: %v", err)
	}
	if raw.PatientID == "" {
		raw.PatientID = fallbackPatient
	}
	if raw.Source == "" {
		raw.Source = string(vitals.SourceDevice)
	}
	return raw, nil
}

// patientFromTopic returns the last level of an MQTT topic such as
// carewatch/vitals/<patient-id>.
func patientFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

// deliver decodes and ingests one message. Rejected readings are logged and
// dropped; the returned error is only set for failures worth retrying.
func deliver(ctx context.Context, ingest vitals.IngestFunc, log zerolog.Logger, payload []byte, fallbackPatient string) error {
	raw, err := Decode(payload, fallbackPatient)
	if err == nil {
		err = ingest(ctx, raw)
	}
	switch {
	case err == nil:
		return nil
	case apperror.KindOf(err) != "":
		log.Warn().Err(err).Str("patient_id", raw.PatientID).Msg("device reading rejected")
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("ingest device reading: %w", err)
	}
}
