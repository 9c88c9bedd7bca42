package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jx-codes/lootbox/internal/brokerr"
)

// Record is one completed script execution.
type Record struct {
	ID               string
	ScriptDigest     string
	NamespacesCalled []string
	Success          bool
	DurationMS       int64
	StartedAt        time.Time
}

// Store records and queries script execution history.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one execution's outcome.
func (s *Store) Record(ctx context.Context, rec Record) error {
	namespaces, err := json.Marshal(rec.NamespacesCalled)
	if err != nil {
		return brokerr.Wrap(err, "marshaling namespaces called")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, script_digest, namespaces_called, success, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ScriptDigest, string(namespaces), boolToInt(rec.Success), rec.DurationMS,
		rec.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return brokerr.Wrap(err, "recording execution")
	}
	return nil
}

// Recent returns the most recent executions, newest first, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_digest, namespaces_called, success, duration_ms, started_at
		FROM executions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, brokerr.Wrap(err, "querying recent executions")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var namespacesJSON string
		var successInt int
		var startedAt string
		if err := rows.Scan(&rec.ID, &rec.ScriptDigest, &namespacesJSON, &successInt, &rec.DurationMS, &startedAt); err != nil {
			return nil, brokerr.Wrap(err, "scanning execution row")
		}
		if err := json.Unmarshal([]byte(namespacesJSON), &rec.NamespacesCalled); err != nil {
			return nil, brokerr.Wrap(err, "decoding namespaces_called")
		}
		rec.Success = successInt != 0
		parsed, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, brokerr.Wrap(err, "parsing started_at")
		}
		rec.StartedAt = parsed
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
