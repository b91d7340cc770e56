package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/ehr/carewatch/internal/config"
	"github.com/ehr/carewatch/internal/domain/alarm"
	"github.com/ehr/carewatch/internal/domain/encounter"
	"github.com/ehr/carewatch/internal/domain/threshold"
	"github.com/ehr/carewatch/internal/domain/vitals"
	"github.com/ehr/carewatch/internal/platform/db"
	"github.com/ehr/carewatch/migrations"
)

// store bundles the repositories of one storage driver.
type store struct {
	encounters encounter.Repository
	alarms     alarm.Repository
	readings   vitals.Repository
	rules      threshold.Repository
	checker    db.Checker
	migrator   *db.Migrator
	close      func()
}

func (s *store) Close() {
	if s.close != nil {
		s.close()
	}
}

// migrationsFS returns MIGRATIONS_DIR when set, otherwise the migrations
// compiled into the binary for the driver.
func migrationsFS(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	if cfg.StorageDriver == config.DriverSQLite {
		return migrations.SQLite()
	}
	return migrations.Postgres()
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		return &store{
			encounters: encounter.NewRepo(pool),
			alarms:     alarm.NewRepo(pool),
			readings:   vitals.NewRepo(pool),
			rules:      threshold.NewRepo(pool),
			checker:    db.PoolChecker(pool),
			migrator:   db.NewMigrator(pool, migrationsFS(cfg)),
			close:      pool.Close,
		}, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{
			encounters: encounter.NewSQLiteRepo(sqlDB),
			alarms:     alarm.NewSQLiteRepo(sqlDB),
			readings:   vitals.NewSQLiteRepo(sqlDB),
			rules:      threshold.NewSQLiteRepo(sqlDB),
			checker:    db.SQLChecker(sqlDB),
			migrator:   db.NewSQLiteMigrator(sqlDB, migrationsFS(cfg)),
			close:      func() { sqlDB.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// withStore loads the configuration, opens storage and runs fn.
func withStore(fn func(ctx context.Context, cfg *config.Config, st *store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, cfg, st)
}
