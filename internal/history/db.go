// Package history is the broker's execution-history store: a SQLite
// table recording every script run (digest, namespaces called, success,
// duration) so operators and the HTTP surface can query recent activity.
package history

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
)

const (
	journalMode    = "WAL"
	busyTimeoutMS  = 5000
)

// Open opens (creating if necessary) a SQLite database at path, enables
// WAL mode and a busy timeout so concurrent script executions don't
// collide on a write lock, and runs pending migrations.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, brokerr.Wrapf(err, "creating execution history directory %q", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, brokerr.Wrapf(err, "opening execution history database %q", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode = " + journalMode); err != nil {
		_ = db.Close()
		return nil, brokerr.Wrapf(err, "enabling %s journal mode", journalMode)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, brokerr.Wrap(err, "setting busy timeout")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, brokerr.Wrap(err, "running execution history migrations")
	}

	obslog.Infow("execution history database ready", obslog.FieldSourcePath, path)
	return db, nil
}
