package alarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/platform/apperror"
	"github.com/ehr/carewatch/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

// NewSQLiteRepo returns a Repository backed by SQLite.
func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

func scanAlarmSQLite(row rowScanner) (*Alarm, error) {
	var a Alarm
	var t alarmText
	err := row.Scan(&a.ID, &a.PatientID, &a.EncounterID, &a.ReadingID, &t.param, &a.Value, &a.ViolatedBound, &t.direction,
		&t.severity, &t.status, &a.Occurrences, db.ScanTime(&a.TriggeredAt), db.ScanTime(&a.UpdatedAt),
		db.ScanNullTime(&a.AcknowledgedAt), &a.AcknowledgedBy,
		db.ScanNullTime(&a.ResolvedAt), &a.ResolvedBy, &t.resolution, &a.VersionID)
	if err != nil {
		return nil, err
	}
	t.apply(&a)
	return &a, nil
}

func (r *repoSQLite) Save(ctx context.Context, a *Alarm) error {
	if a.VersionID == 0 {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO alarm (`+alarmCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
			a.ID, a.PatientID, a.EncounterID, a.ReadingID, string(a.Parameter), a.Value, a.ViolatedBound, string(a.Direction),
			string(a.Severity), string(a.Status), a.Occurrences, db.TimeValue(a.TriggeredAt), db.TimeValue(a.UpdatedAt),
			db.NullTimeValue(a.AcknowledgedAt), a.AcknowledgedBy,
			db.NullTimeValue(a.ResolvedAt), a.ResolvedBy, resolutionPtr(a.Resolution),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperror.Conflict("patient %s already has an open %s alarm", a.PatientID, a.Parameter)
		}
		if err != nil {
			return fmt.Errorf("insert alarm: %w", err)
		}
		a.VersionID = 1
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE alarm SET
			encounter_id=?, reading_id=?, value=?, violated_bound=?, direction=?, severity=?,
			status=?, occurrences=?, updated_at=?, acknowledged_at=?, acknowledged_by=?,
			resolved_at=?, resolved_by=?, resolution=?, version_id=version_id+1
		WHERE id = ? AND version_id = ?`,
		a.EncounterID, a.ReadingID, a.Value, a.ViolatedBound, string(a.Direction), string(a.Severity),
		string(a.Status), a.Occurrences, db.TimeValue(a.UpdatedAt), db.NullTimeValue(a.AcknowledgedAt), a.AcknowledgedBy,
		db.NullTimeValue(a.ResolvedAt), a.ResolvedBy, resolutionPtr(a.Resolution),
		a.ID, a.VersionID,
	)
	if err != nil {
		return fmt.Errorf("update alarm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.Conflict("alarm %s was modified concurrently", a.ID)
	}
	a.VersionID++
	return nil
}

func (r *repoSQLite) LoadActive(ctx context.Context, patientID uuid.UUID) ([]*Alarm, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alarmCols+` FROM alarm WHERE patient_id = ? AND status IN ('active', 'acknowledged') ORDER BY triggered_at`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlarmsSQLite(rows)
}

func (r *repoSQLite) Get(ctx context.Context, id uuid.UUID) (*Alarm, error) {
	a, err := scanAlarmSQLite(r.db.QueryRowContext(ctx, `SELECT `+alarmCols+` FROM alarm WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("alarm %s not found", id)
	}
	return a, err
}

func (r *repoSQLite) ListByPatient(ctx context.Context, patientID uuid.UUID, status *Status, limit, offset int) ([]*Alarm, int, error) {
	var st interface{}
	if status != nil {
		st = string(*status)
	}
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alarm WHERE patient_id = ? AND (? IS NULL OR status = ?)`,
		patientID, st, st).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alarmCols+` FROM alarm
		WHERE patient_id = ? AND (? IS NULL OR status = ?)
		ORDER BY triggered_at DESC LIMIT ? OFFSET ?`,
		patientID, st, st, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectAlarmsSQLite(rows)
	return items, total, err
}

func (r *repoSQLite) Counts(ctx context.Context, scope CountScope) (Counts, error) {
	query := `SELECT a.severity, COUNT(*) FROM alarm a WHERE a.status IN ('active', 'acknowledged') GROUP BY a.severity`
	var args []interface{}
	switch {
	case scope.PatientID != nil:
		query = `SELECT a.severity, COUNT(*) FROM alarm a
			WHERE a.status IN ('active', 'acknowledged') AND a.patient_id = ? GROUP BY a.severity`
		args = append(args, *scope.PatientID)
	case scope.Ward != "":
		query = `SELECT a.severity, COUNT(*) FROM alarm a
			JOIN encounter e ON e.id = a.encounter_id
			WHERE a.status IN ('active', 'acknowledged') AND e.ward = ? GROUP BY a.severity`
		args = append(args, scope.Ward)
	}

	var c Counts
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func collectAlarmsSQLite(rows *sql.Rows) ([]*Alarm, error) {
	var items []*Alarm
	for rows.Next() {
		a, err := scanAlarmSQLite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
