package main

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/config"
	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/domain/vitals"
)

const testRules = `defaults:
  spo2: {min: 92, max: 100, warning_band: 5, critical_band: 10}
  heart_rate: {min: 50, max: 120, warning_band: 20, critical_band: 40}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rules := filepath.Join(dir, "thresholds.yaml")
	if err := os.WriteFile(rules, []byte(testRules), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("THRESHOLDS_FILE", rules)
	t.Setenv("ENV", "development")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	cfg := testConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(st.Close)
	if _, err := st.migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv, err := newServer(ctx, cfg, st, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(srv.svc.Close)
	return srv
}

func do(t *testing.T, srv *server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)
	if rec := do(t, srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/health/db", ""); rec.Code != http.StatusOK {
		t.Errorf("/health/db: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_AdmitIngestCount(t *testing.T) {
	srv := newTestServer(t)
	patient := uuid.New()

	rec := do(t, srv, http.MethodPost, "/api/v1/encounters",
		`{"patient_id":"`+patient.String()+`","type":"hospitalization","ward":"icu"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/readings",
		`{"patient_id":"`+patient.String()+`","source":"device","spo2":85}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reading: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/alarms/counts?ward=icu", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("counts: expected 200, got %d", rec.Code)
	}
	var counts alarm.Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Critical != 1 || counts.Total != 1 {
		t.Errorf("unexpected counts %+v", counts)
	}

	rec = do(t, srv, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "alarms_raised_total") {
		t.Errorf("metrics missing alarms_raised_total:\n%s", rec.Body.String())
	}
}

func TestServer_HL7Endpoint(t *testing.T) {
	srv := newTestServer(t)
	patient := uuid.New()
	do(t, srv, http.MethodPost, "/api/v1/encounters",
		`{"patient_id":"`+patient.String()+`","type":"hospitalization","ward":"icu"}`)

	msg := strings.Join([]string{
		"MSH|^~\\&|MONITOR|ICU|CAREWATCH|HOSP|20260301080000||ORU^R01|MSG1|P|2.5",
		"PID|1||" + patient.String(),
		"OBR|1|||vitals",
		"OBX|1|NM|8867-4^Heart rate^LN||150|/min|||||F",
	}, "\r")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/oru", strings.NewReader(msg))
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "MSA|AA|MSG1") {
		t.Fatalf("expected AA, got %d: %q", rec.Code, rec.Body.String())
	}

	active, err := srv.svc.GetActiveAlarms(context.Background(), patient)
	if err != nil {
		t.Fatalf("GetActiveAlarms: %v", err)
	}
	if len(active) != 1 || active[0].Parameter != vitals.HeartRate {
		t.Errorf("expected a heart rate alarm, got %+v", active)
	}
}

func TestMigrationsFS(t *testing.T) {
	cfg := &config.Config{StorageDriver: config.DriverSQLite}
	if _, err := fs.Stat(migrationsFS(cfg), "001_carewatch.sql"); err != nil {
		t.Errorf("embedded sqlite migrations: %v", err)
	}
	cfg.StorageDriver = config.DriverPostgres
	entries, err := fs.ReadDir(migrationsFS(cfg), ".")
	if err != nil || len(entries) == 0 {
		t.Errorf("embedded postgres migrations: %v (%d files)", err, len(entries))
	}

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "042_extra.sql"), []byte("SELECT 1;"), 0o600)
	cfg.MigrationsDir = dir
	if _, err := fs.Stat(migrationsFS(cfg), "042_extra.sql"); err != nil {
		t.Errorf("MIGRATIONS_DIR not used: %v", err)
	}
}

func TestLoadDefaultRules(t *testing.T) {
	repo, err := loadDefaultRules(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop())
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if rules, _ := repo.List(context.Background()); len(rules) != 0 {
		t.Errorf("expected no rules, got %d", len(rules))
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("defaults: ["), 0o600)
	if _, err := loadDefaultRules(bad, zerolog.Nop()); err == nil {
		t.Error("malformed file must fail")
	}
}

func TestImportRules(t *testing.T) {
	rules, err := threshold.ParseYAML([]byte(testRules))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	repo := threshold.NewMemoryRepo()
	n, err := importRules(context.Background(), repo, rules)
	if err != nil || n != 2 {
		t.Fatalf("importRules: n=%d err=%v", n, err)
	}
	got, err := repo.Get(context.Background(), nil, vitals.SpO2)
	if err != nil || got == nil || got.Min != 92 {
		t.Errorf("imported rule missing: %+v %v", got, err)
	}
}
