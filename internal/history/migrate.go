package history

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// migrate applies every pending migration in sqlite/migrations, tracked
// by a schema_migrations table that the first migration creates.
func migrate(db *sql.DB) error {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return brokerr.Wrap(err, "reading embedded migrations")
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if version != "000" {
				return brokerr.Newf("schema_migrations table missing but migration %q is not the first", filename)
			}
		} else if exists {
			continue
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
		if err != nil {
			return brokerr.Wrapf(err, "reading migration %q", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return brokerr.Wrapf(err, "beginning transaction for migration %q", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return brokerr.Wrapf(err, "executing migration %q", filename)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return brokerr.Wrapf(err, "recording migration %q", filename)
		}
		if err := tx.Commit(); err != nil {
			return brokerr.Wrapf(err, "committing migration %q", filename)
		}

		obslog.Debugw("applied execution-history migration", "migration", filename)
	}

	return nil
}
