package threshold

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carewatch/internal/domain/vitals"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const ruleCols = `id, patient_id, parameter, min_value, max_value, warning_band, critical_band, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRulePG(row rowScanner) (*Rule, error) {
	var r Rule
	var param string
	if err := row.Scan(&r.ID, &r.PatientID, &param, &r.Min, &r.Max, &r.WarningBand, &r.CriticalBand, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Parameter = vitals.Parameter(param)
	return &r, nil
}

func (r *repoPG) Get(ctx context.Context, patientID *uuid.UUID, p vitals.Parameter) (*Rule, error) {
	var row pgx.Row
	if patientID == nil {
		row = r.pool.QueryRow(ctx, `SELECT `+ruleCols+` FROM threshold_rule WHERE patient_id IS NULL AND parameter = $1`, string(p))
	} else {
		row = r.pool.QueryRow(ctx, `SELECT `+ruleCols+` FROM threshold_rule WHERE patient_id = $1 AND parameter = $2`, *patientID, string(p))
	}
	rule, err := scanRulePG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rule, err
}

func (r *repoPG) Upsert(ctx context.Context, rule *Rule) error {
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
	_, err := r.pool.Exec(ctx, `
		INSERT INTO threshold_rule (`+ruleCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`+conflict+` DO UPDATE SET
			min_value = EXCLUDED.min_value, max_value = EXCLUDED.max_value,
			warning_band = EXCLUDED.warning_band, critical_band = EXCLUDED.critical_band,
			updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.PatientID, string(rule.Parameter), rule.Min, rule.Max, rule.WarningBand, rule.CriticalBand, rule.UpdatedAt,
	)
	return err
}

func (r *repoPG) List(ctx context.Context) ([]*Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleCols+` FROM threshold_rule`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRulePG(rows)
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
