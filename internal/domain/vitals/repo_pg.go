package vitals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn() querier { return r.pool }

const readingCols = `id, patient_id, encounter_id, recorded_at, received_at, source, device_id,
	heart_rate, systolic_bp, diastolic_bp, spo2, temperature, respiratory_rate, gcs, pain_score`

func (r *repoPG) Append(ctx context.Context, v *VitalReading) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.conn().Exec(ctx, `
		INSERT INTO vital_reading (`+readingCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		v.ID, v.PatientID, v.EncounterID, v.RecordedAt, v.ReceivedAt, string(v.Source), v.DeviceID,
		v.HeartRate, v.SystolicBP, v.DiastolicBP, v.SpO2, v.Temperature, v.RespiratoryRate, v.GCS, v.PainScore,
	)
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, since *time.Time, limit, offset int) ([]*VitalReading, int, error) {
	var total int
	if err := r.conn().QueryRow(ctx,
		`SELECT COUNT(*) FROM vital_reading WHERE patient_id = $1 AND ($2::timestamptz IS NULL OR recorded_at >= $2)`,
		patientID, since).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn().Query(ctx, `
		SELECT `+readingCols+` FROM vital_reading
		WHERE patient_id = $1 AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY recorded_at DESC LIMIT $3 OFFSET $4`,
		patientID, since, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*VitalReading
	for rows.Next() {
		var v VitalReading
		var source string
		if err := rows.Scan(&v.ID, &v.PatientID, &v.EncounterID, &v.RecordedAt, &v.ReceivedAt, &source, &v.DeviceID,
			&v.HeartRate, &v.SystolicBP, &v.DiastolicBP, &v.SpO2, &v.Temperature, &v.RespiratoryRate, &v.GCS, &v.PainScore); err != nil {
			return nil, 0, err
		}
		v.Source = Source(source)
		items = append(items, &v)
	}
	return items, total, rows.Err()
}
