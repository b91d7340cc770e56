// Package migrations embeds the schema for each storage driver.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Postgres returns the PostgreSQL migrations.
func Postgres() fs.FS { return sub(postgresFS, "postgres") }

// SQLite returns the SQLite migrations.
func SQLite() fs.FS { return sub(sqliteFS, "sqlite") }

func sub(fsys embed.FS, dir string) fs.FS {
	s, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return s
}
