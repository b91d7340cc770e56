package encounter

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

func scanEncSQLite(row rowScanner) (*Encounter, error) {
	var e Encounter
	var typ, status string
	err := row.Scan(&e.ID, &e.PatientID, &typ, &status, &e.Ward, &e.Bed,
		db.ScanNullTime(&e.PlannedStart), db.ScanNullTime(&e.AdmittedAt),
		db.ScanNullTime(&e.DischargedAt), db.ScanNullTime(&e.CancelledAt),
		&e.Reason, &e.DischargeReason, &e.AttendingID, &e.LastActor,
		&e.VersionID, db.ScanTime(&e.CreatedAt), db.ScanTime(&e.UpdatedAt))
	if err != nil {
		return nil, err
	}
	e.Type, e.Status = Type(typ), Status(status)
	return &e, nil
}

func (r *repoSQLite) LoadActive(ctx context.Context, patientID uuid.UUID) (*Encounter, error) {
	e, err := scanEncSQLite(r.db.QueryRowContext(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = ? AND status IN ('planned', 'active')`, patientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *repoSQLite) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	e, err := scanEncSQLite(r.db.QueryRowContext(ctx, `SELECT `+encCols+` FROM encounter WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("encounter %s not found", id)
	}
	return e, err
}

func (r *repoSQLite) Save(ctx context.Context, enc *Encounter, history ...*StatusHistory) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	version := enc.VersionID + 1
	if enc.VersionID == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO encounter (`+encCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)`,
			enc.ID, enc.PatientID, string(enc.Type), string(enc.Status), enc.Ward, enc.Bed,
			db.NullTimeValue(enc.PlannedStart), db.NullTimeValue(enc.AdmittedAt),
			db.NullTimeValue(enc.DischargedAt), db.NullTimeValue(enc.CancelledAt),
			enc.Reason, enc.DischargeReason, enc.AttendingID, enc.LastActor,
			db.TimeValue(enc.CreatedAt), db.TimeValue(enc.UpdatedAt),
		)
		if isUniqueViolation(err) {
			return apperror.Conflict("patient %s already has an open encounter", enc.PatientID)
		}
		if err != nil {
			return fmt.Errorf("insert encounter: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE encounter SET
				status=?, ward=?, bed=?, planned_start=?, admitted_at=?, discharged_at=?,
				cancelled_at=?, reason=?, discharge_reason=?, attending_id=?, last_actor=?,
				version_id=version_id+1, updated_at=?
			WHERE id = ? AND version_id = ?`,
			string(enc.Status), enc.Ward, enc.Bed, db.NullTimeValue(enc.PlannedStart), db.NullTimeValue(enc.AdmittedAt),
			db.NullTimeValue(enc.DischargedAt), db.NullTimeValue(enc.CancelledAt),
			enc.Reason, enc.DischargeReason, enc.AttendingID, enc.LastActor, db.TimeValue(enc.UpdatedAt),
			enc.ID, enc.VersionID,
		)
		if err != nil {
			return fmt.Errorf("update encounter: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.Conflict("encounter %s was modified concurrently", enc.ID)
		}
	}

	for _, h := range history {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO encounter_status_history (`+historyCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			h.ID, h.EncounterID, string(h.Action), string(h.Status), statusPtr(h.PreviousStatus),
			h.Ward, h.Bed, h.Actor, h.Reason, db.TimeValue(h.ChangedAt),
		); err != nil {
			return fmt.Errorf("add status history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	enc.VersionID = version
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *repoSQLite) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM encounter WHERE patient_id = ?`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	encs, err := collectEncsSQLite(rows)
	return encs, total, err
}

func (r *repoSQLite) ListActiveByWard(ctx context.Context, ward string) ([]*Encounter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+encCols+` FROM encounter WHERE ward = ? AND status = 'active' ORDER BY bed IS NULL, bed, admitted_at`, ward)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEncsSQLite(rows)
}

func collectEncsSQLite(rows *sql.Rows) ([]*Encounter, error) {
	var encs []*Encounter
	for rows.Next() {
		e, err := scanEncSQLite(rows)
		if err != nil {
			return nil, err
		}
		encs = append(encs, e)
	}
	return encs, rows.Err()
}

func (r *repoSQLite) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+historyCols+` FROM encounter_status_history WHERE encounter_id = ? ORDER BY changed_at, rowid`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		var action, status string
		var prev *string
		if err := rows.Scan(&h.ID, &h.EncounterID, &action, &status, &prev, &h.Ward, &h.Bed, &h.Actor, &h.Reason, db.ScanTime(&h.ChangedAt)); err != nil {
			return nil, err
		}
		h.Action, h.Status, h.PreviousStatus = Action(action), Status(status), toStatusPtr(prev)
		items = append(items, &h)
	}
	return items, rows.Err()
}
