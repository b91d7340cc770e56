package threshold

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

// NewSQLiteRepo returns a Repository backed by SQLite.
func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

func scanRuleSQLite(row rowScanner) (*Rule, error) {
	var r Rule
	var param string
	if err := row.Scan(&r.ID, &r.PatientID, &param, &r.Min, &r.Max, &r.WarningBand, &r.CriticalBand, db.ScanTime(&r.UpdatedAt)); err != nil {
		return nil, err
	}
	r.Parameter = vitals.Parameter(param)
	return &r, nil
}

func (r *repoSQLite) Get(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error) {
	var row *sql.Row
	if patientID == nil {
		row = r.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM threshold_rule WHERE patient_id IS NULL AND parameter = ?`, string(p))
	} else {
		row = r.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM threshold_rule WHERE patient_id = ? AND parameter = ?`, *patientID, string(p))
	}
	rule, err := scanRuleSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rule, err
}

func (r *repoSQLite) Upsert(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.UpdatedAt = time.Now().UTC()

	conflict := `ON CONFLICT (patient_id, parameter) WHERE patient_id IS NOT NULL`
	if rule.PatientID == nil {
		conflict = `ON CONFLICT (parameter) WHERE patient_id IS NULL`
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threshold_rule (`+ruleCols+`)
		VALUES (?,?,?,?,?,?,?,?)
		`+conflict+` DO UPDATE SET
			min_value = excluded.min_value, max_value = excluded.max_value,
			warning_band = excluded.warning_band, critical_band = excluded.critical_band,
			updated_at = excluded.updated_at`,
		rule.ID, rule.PatientID, string(rule.Parameter), rule.Min, rule.Max, rule.WarningBand, rule.CriticalBand,
		db.TimeValue(rule.UpdatedAt),
	)
	return err
}

func (r *repoSQLite) List(ctx context.Context) ([]*Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleCols+` FROM threshold_rule`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRuleSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRules(out)
	return out, nil
}
