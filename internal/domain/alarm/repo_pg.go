package alarm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const alarmCols = `id, patient_id, encounter_id, reading_id, parameter, value, violated_bound, direction,
	severity, status, occurrences, triggered_at, updated_at, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, resolution, version_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// alarmText holds the string columns while scanning.
type alarmText struct {
	param, direction, severity, status string
	resolution                         *string
}

func (t alarmText) apply(a *Alarm) {
	a.Parameter = vitals.Parameter(t.param)
	a.Direction = threshold.Direction(t.direction)
	a.Severity = Severity(t.severity)
	a.Status = Status(t.status)
	if t.resolution != nil {
		r := Resolution(*t.resolution)
		a.Resolution = &r
	}
}

func resolutionPtr(r *Resolution) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func scanAlarmPG(row rowScanner) (*Alarm, error) {
	var a Alarm
	var t alarmText
	err := row.Scan(&a.ID, &a.PatientID, &a.EncounterID, &a.ReadingID, &t.param, &a.Value, &a.ViolatedBound, &t.direction,
		&t.severity, &t.status, &a.Occurrences, &a.TriggeredAt, &a.UpdatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy,
		&a.ResolvedAt, &a.ResolvedBy, &t.resolution, &a.VersionID)
	if err != nil {
		return nil, err
	}
	t.apply(&a)
	return &a, nil
}

func (r *repoPG) Save(ctx context.Context, a *Alarm) error {
	if a.VersionID == 0 {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO alarm (`+alarmCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1)`,
			a.ID, a.PatientID, a.EncounterID, a.ReadingID, string(a.Parameter), a.Value, a.ViolatedBound, string(a.Direction),
			string(a.Severity), string(a.Status), a.Occurrences, a.TriggeredAt, a.UpdatedAt, a.AcknowledgedAt, a.AcknowledgedBy,
			a.ResolvedAt, a.ResolvedBy, resolutionPtr(a.Resolution),
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperror.Conflict("patient %s already has an open %s alarm", a.PatientID, a.Parameter)
		}
		if err != nil {
			return fmt.Errorf("insert alarm: %w", err)
		}
		a.VersionID = 1
		return nil
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE alarm SET
			encounter_id=$3, reading_id=$4, value=$5, violated_bound=$6, direction=$7, severity=$8,
			status=$9, occurrences=$10, updated_at=$11, acknowledged_at=$12, acknowledged_by=$13,
			resolved_at=$14, resolved_by=$15, resolution=$16, version_id=version_id+1
		WHERE id = $1 AND version_id = $2`,
		a.ID, a.VersionID, a.EncounterID, a.ReadingID, a.Value, a.ViolatedBound, string(a.Direction), string(a.Severity),
		string(a.Status), a.Occurrences, a.UpdatedAt, a.AcknowledgedAt, a.AcknowledgedBy,
		a.ResolvedAt, a.ResolvedBy, resolutionPtr(a.Resolution),
	)
	if err != nil {
		return fmt.Errorf("update alarm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.Conflict("alarm %s was modified concurrently", a.ID)
	}
	a.VersionID++
	return nil
}

func (r *repoPG) LoadActive(ctx context.Context, patientID uuid.UUID) ([]*Alarm, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+alarmCols+` FROM alarm WHERE patient_id = $1 AND status IN ('active', 'acknowledged') ORDER BY triggered_at`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlarmsPG(rows)
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Alarm, error) {
	a, err := scanAlarmPG(r.pool.QueryRow(ctx, `SELECT `+alarmCols+` FROM alarm WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("alarm %s not found", id)
	}
	return a, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]*Alarm, int, error) {
	var st *string
	if status != nil {
		s := string(*status)
		st = &s
	}
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alarm WHERE patient_id = $1 AND ($2::text IS NULL OR status = $2)`,
		patientID, st).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+alarmCols+` FROM alarm
		WHERE patient_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY triggered_at DESC LIMIT $3 OFFSET $4`,
		patientID, st, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectAlarmsPG(rows)
	return items, total, err
}

func (r *repoPG) Counts(ctx context.Context, scope CountScope) (Counts, error) {
	query := `SELECT a.severity, COUNT(*) FROM alarm a WHERE a.status IN ('active', 'acknowledged') GROUP BY a.severity`
	var args []interface{}
	switch {
	case scope.PatientID != nil:
		query = `SELECT a.severity, COUNT(*) FROM alarm a
			WHERE a.status IN ('active', 'acknowledged') AND a.patient_id = $1 GROUP BY a.severity`
		args = append(args, *scope.PatientID)
	case scope.Ward != "":
		query = `SELECT a.severity, COUNT(*) FROM alarm a
			JOIN encounter e ON e.id = a.encounter_id
			WHERE a.status IN ('active', 'acknowledged') AND e.ward = $1 GROUP BY a.severity`
		args = append(args, scope.Ward)
	}

	var c Counts
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return c, err
		}
		c.add(Severity(sev), n)
	}
	return c, rows.Err()
}

func collectAlarmsPG(rows pgx.Rows) ([]*Alarm, error) {
	var items []*Alarm
	for rows.Next() {
		a, err := scanAlarmPG(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
