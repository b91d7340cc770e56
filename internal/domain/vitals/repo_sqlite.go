package vitals

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

// NewSQLiteRepo returns a Repository backed by SQLite.
func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

func (r *repoSQLite) Append(ctx context.Context, v *VitalReading) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vital_reading (`+readingCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.PatientID, v.EncounterID, db.TimeValue(v.RecordedAt), db.TimeValue(v.ReceivedAt), string(v.Source), v.DeviceID,
		v.HeartRate, v.SystolicBP, v.DiastolicBP, v.SpO2, v.Temperature, v.RespiratoryRate, v.GCS, v.PainScore,
	)
	return err
}

func (r *repoSQLite) ListByPatient(ctx context.Context, patientID uuid.UUID, since *time.Time, limit, offset int) ([]*VitalReading, int, error) {
	sinceVal := db.NullTimeValue(since)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vital_reading WHERE patient_id = ? AND (? IS NULL OR recorded_at >= ?)`,
		patientID, sinceVal, sinceVal).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+readingCols+` FROM vital_reading
		WHERE patient_id = ? AND (? IS NULL OR recorded_at >= ?)
		ORDER BY recorded_at DESC LIMIT ? OFFSET ?`,
		patientID, sinceVal, sinceVal, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*VitalReading
	for rows.Next() {
		var v VitalReading
		var source string
		if err := rows.Scan(&v.ID, &v.PatientID, &v.EncounterID, db.ScanTime(&v.RecordedAt), db.ScanTime(&v.ReceivedAt), &source, &v.DeviceID,
			&v.HeartRate, &v.SystolicBP, &v.DiastolicBP, &v.SpO2, &v.Temperature, &v.RespiratoryRate, &v.GCS, &v.PainScore); err != nil {
			return nil, 0, err
		}
		v.Source = Source(source)
		items = append(items, &v)
	}
	return items, total, rows.Err()
}
