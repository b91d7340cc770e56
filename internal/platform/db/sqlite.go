package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so TEXT columns sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens the SQLite database at path (":memory:" for a private
// in-memory database). SQLite allows one writer, so the pool holds a single
// connection; this also keeps an in-memory database alive for the pool's
// lifetime.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	return sqlDB, nil
}

// TimeValue formats t for a SQLite TEXT column.
func TimeValue(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// NullTimeValue formats t for a nullable SQLite TEXT column.
func NullTimeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return TimeValue(*t)
}

type timeScanner struct {
	dest     *time.Time
	nullDest **time.Time
}

// ScanTime returns a sql.Scanner that parses a TEXT timestamp into dest.
func ScanTime(dest *time.Time) sql.Scanner {
	return &timeScanner{dest: dest}
}

// ScanNullTime is ScanTime for nullable columns; NULL leaves *dest nil.
func ScanNullTime(dest **time.Time) sql.Scanner {
	return &timeScanner{nullDest: dest}
}

func (s *timeScanner) Scan(src interface{}) error {
	var t time.Time
	switch v := src.(type) {
	case nil:
		if s.nullDest != nil {
			*s.nullDest = nil
			return nil
		}
		return fmt.Errorf("scan time: unexpected NULL")
	case time.Time:
		t = v
	case string:
		parsed, err := parseTime(v)
		if err != nil {
			return err
		}
		t = parsed
	case []byte:
		parsed, err := parseTime(string(v))
		if err != nil {
			return err
		}
		t = parsed
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
	t = t.UTC()
	if s.nullDest != nil {
		*s.nullDest = &t
	} else {
		*s.dest = t
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("scan time: cannot parse %q", s)
}
