package alarm

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/apperror"
	"github.com/ehr/carewatch/internal/platform/db"
	"github.com/ehr/carewatch/migrations"
)

func newSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if _, err := db.NewSQLiteMigrator(sqlDB, migrations.SQLite()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return sqlDB
}

func TestSQLiteRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(newSQLite(t))
	m := newTestManager(repo)
	patient := uuid.New()

	a, err := m.Raise(ctx, spo2Obs(patient, 88, SeverityWarning))
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if _, err := m.Acknowledge(ctx, a.ID, "nurse-1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAcknowledged || got.VersionID != 2 || got.Parameter != vitals.SpO2 {
		t.Errorf("unexpected stored alarm %+v", got)
	}
	if got.AcknowledgedAt == nil || got.AcknowledgedBy == nil || *got.AcknowledgedBy != "nurse-1" {
		t.Errorf("acknowledgement not persisted: %+v", got)
	}
	if !got.TriggeredAt.Equal(a.TriggeredAt) {
		t.Errorf("triggered_at round trip: got %v want %v", got.TriggeredAt, a.TriggeredAt)
	}

	open, err := repo.LoadActive(ctx, patient)
	if err != nil || len(open) != 1 {
		t.Fatalf("LoadActive: %v %v", open, err)
	}

	if _, err := m.Resolve(ctx, a.ID, "", ResolutionAuto); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	open, _ = repo.LoadActive(ctx, patient)
	if len(open) != 0 {
		t.Errorf("expected no open alarms, got %d", len(open))
	}
	got, _ = repo.Get(ctx, a.ID)
	if got.Resolution == nil || *got.Resolution != ResolutionAuto || got.ResolvedBy != nil {
		t.Errorf("unexpected resolution %+v", got)
	}

	resolved := StatusResolved
	items, total, err := repo.ListByPatient(ctx, patient, &resolved, 10, 0)
	if err != nil || total != 1 || len(items) != 1 {
		t.Errorf("ListByPatient: %d %d %v", len(items), total, err)
	}
}

func TestSQLiteRepo_OpenAlarmUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(newSQLite(t))
	patient := uuid.New()

	// Two managers simulate two processes sharing the database.
	if _, err := newTestManager(repo).Raise(ctx, spo2Obs(patient, 88, SeverityWarning)); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	_, err := newTestManager(repo).Raise(ctx, spo2Obs(patient, 85, SeverityCritical))
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("expected conflict from unique index, got %v", err)
	}
}

func TestSQLiteRepo_VersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(newSQLite(t))
	a, err := newTestManager(repo).Raise(ctx, spo2Obs(uuid.New(), 88, SeverityWarning))
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}

	stale := *a
	fresh := *a
	fresh.Occurrences = 2
	if err := repo.Save(ctx, &fresh); err != nil {
		t.Fatalf("Save: %v", err)
	}
	stale.Occurrences = 3
	if err := repo.Save(ctx, &stale); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("expected version conflict, got %v", err)
	}
}

func TestSQLiteRepo_GetNotFound(t *testing.T) {
	repo := NewSQLiteRepo(newSQLite(t))
	if _, err := repo.Get(context.Background(), uuid.New()); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSQLiteRepo_Counts(t *testing.T) {
	ctx := context.Background()
	sqlDB := newSQLite(t)
	repo := NewSQLiteRepo(sqlDB)
	machine := encounter.NewMachine(encounter.NewSQLiteRepo(sqlDB))
	m := newTestManager(repo)

	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	encounters := map[uuid.UUID]uuid.UUID{}
	for _, adm := range []struct {
		patient uuid.UUID
		ward    string
	}{{p1, "IPS-1"}, {p2, "IPS-1"}, {p3, "IPS-2"}} {
		enc, err := machine.Admit(ctx, encounter.AdmitRequest{
			PatientID: adm.patient, Type: encounter.TypeHospitalization, Ward: adm.ward, Actor: "dr",
		})
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		encounters[adm.patient] = enc.ID
	}

	mustRaise := func(obs Observation) *Alarm {
		encID := encounters[obs.PatientID]
		obs.EncounterID = &encID
		a, err := m.Raise(ctx, obs)
		if err != nil {
			t.Fatalf("Raise: %v", err)
		}
		return a
	}
	mustRaise(spo2Obs(p1, 88, SeverityWarning))
	hr := spo2Obs(p1, 150, SeverityCritical)
	hr.Parameter = vitals.HeartRate
	mustRaise(hr)
	mustRaise(spo2Obs(p2, 80, SeverityCritical))
	gone := mustRaise(spo2Obs(p3, 88, SeverityWarning))
	if _, err := m.Resolve(ctx, gone.ID, "dr", ResolutionManual); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	all, err := repo.Counts(ctx, CountScope{})
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if all != (Counts{Warning: 1, Critical: 2, Total: 3}) {
		t.Errorf("unexpected global counts %+v", all)
	}

	byPatient, _ := repo.Counts(ctx, CountScope{PatientID: &p1})
	if byPatient != (Counts{Warning: 1, Critical: 1, Total: 2}) {
		t.Errorf("unexpected patient counts %+v", byPatient)
	}

	ward, _ := repo.Counts(ctx, CountScope{Ward: "IPS-1"})
	if ward.Total != 3 {
		t.Errorf("expected 3 open alarms on IPS-1, got %+v", ward)
	}
	empty, _ := repo.Counts(ctx, CountScope{Ward: "IPS-2"})
	if empty.Total != 0 {
		t.Errorf("expected no open alarms on IPS-2, got %+v", empty)
	}

	// Open alarms stay counted under their encounter's ward after discharge.
	if _, err := machine.Discharge(ctx, encounters[p1], "home", "dr"); err != nil {
		t.Fatalf("Discharge: %v", err)
	}
	afterDischarge, err := repo.Counts(ctx, CountScope{Ward: "IPS-1"})
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if afterDischarge != (Counts{Warning: 1, Critical: 2, Total: 3}) {
		t.Errorf("discharge must not hide open alarms, got %+v", afterDischarge)
	}
}
