package encounter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carewatch/internal/platform/apperror"
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

const encCols = `id, patient_id, type, status, ward, bed, planned_start, admitted_at,
	discharged_at, cancelled_at, reason, discharge_reason, attending_id, last_actor,
	version_id, created_at, updated_at`

const historyCols = `id, encounter_id, action, status, previous_status, ward, bed, actor, reason, changed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEncPG(row rowScanner) (*Encounter, error) {
	var e Encounter
	var typ, status string
	err := row.Scan(&e.ID, &e.PatientID, &typ, &status, &e.Ward, &e.Bed, &e.PlannedStart, &e.AdmittedAt,
		&e.DischargedAt, &e.CancelledAt, &e.Reason, &e.DischargeReason, &e.AttendingID, &e.LastActor,
		&e.VersionID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Type, e.Status = Type(typ), Status(status)
	return &e, nil
}

func (r *repoPG) LoadActive(ctx context.Context, patientID uuid.UUID) (*Encounter, error) {
	e, err := scanEncPG(r.pool.QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = $1 AND status IN ('planned', 'active')`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	e, err := scanEncPG(r.pool.QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("encounter %s not found", id)
	}
	return e, err
}

func (r *repoPG) Save(ctx context.Context, enc *Encounter, history ...*StatusHistory) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	version, err := saveEncPG(ctx, tx, enc)
	if err != nil {
		return err
	}
	for _, h := range history {
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO encounter_status_history (`+historyCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			h.ID, h.EncounterID, string(h.Action), string(h.Status), statusPtr(h.PreviousStatus),
			h.Ward, h.Bed, h.Actor, h.Reason, h.ChangedAt,
		); err != nil {
			return fmt.Errorf("add status history: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	enc.VersionID = version
	return nil
}

func saveEncPG(ctx context.Context, q querier, enc *Encounter) (int, error) {
	if enc.VersionID == 0 {
		_, err := q.Exec(ctx, `
			INSERT INTO encounter (`+encCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1,$15,$16)`,
			enc.ID, enc.PatientID, string(enc.Type), string(enc.Status), enc.Ward, enc.Bed, enc.PlannedStart, enc.AdmittedAt,
			enc.DischargedAt, enc.CancelledAt, enc.Reason, enc.DischargeReason, enc.AttendingID, enc.LastActor,
			enc.CreatedAt, enc.UpdatedAt,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, apperror.Conflict("patient %s already has an open encounter", enc.PatientID)
		}
		if err != nil {
			return 0, fmt.Errorf("insert encounter: %w", err)
		}
		return 1, nil
	}

	tag, err := q.Exec(ctx, `
		UPDATE encounter SET
			status=$3, ward=$4, bed=$5, planned_start=$6, admitted_at=$7, discharged_at=$8,
			cancelled_at=$9, reason=$10, discharge_reason=$11, attending_id=$12, last_actor=$13,
			version_id=version_id+1, updated_at=$14
		WHERE id = $1 AND version_id = $2`,
		enc.ID, enc.VersionID, string(enc.Status), enc.Ward, enc.Bed, enc.PlannedStart, enc.AdmittedAt, enc.DischargedAt,
		enc.CancelledAt, enc.Reason, enc.DischargeReason, enc.AttendingID, enc.LastActor, enc.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("update encounter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, apperror.Conflict("encounter %s was modified concurrently", enc.ID)
	}
	return enc.VersionID + 1, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM encounter WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	encs, err := collectEncsPG(rows)
	return encs, total, err
}

func (r *repoPG) ListActiveByWard(ctx context.Context, ward string) ([]*Encounter, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+encCols+` FROM encounter WHERE ward = $1 AND status = 'active' ORDER BY bed NULLS LAST, admitted_at`, ward)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEncsPG(rows)
}

func collectEncsPG(rows pgx.Rows) ([]*Encounter, error) {
	var encs []*Encounter
	for rows.Next() {
		e, err := scanEncPG(rows)
		if err != nil {
			return nil, err
		}
		encs = append(encs, e)
	}
	return encs, rows.Err()
}

func (r *repoPG) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+historyCols+` FROM encounter_status_history WHERE encounter_id = $1 ORDER BY changed_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		var action, status string
		var prev *string
		if err := rows.Scan(&h.ID, &h.EncounterID, &action, &status, &prev, &h.Ward, &h.Bed, &h.Actor, &h.Reason, &h.ChangedAt); err != nil {
			return nil, err
		}
		h.Action, h.Status, h.PreviousStatus = Action(action), Status(status), toStatusPtr(prev)
		items = append(items, &h)
	}
	return items, rows.Err()
}

func statusPtr(s *Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func toStatusPtr(s *string) *Status {
	if s == nil {
		return nil
	}
	v := Status(*s)
	return &v
}
