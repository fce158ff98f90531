// Package journal persists a best-effort audit trail of completed dispatches
// to SQLite. The in-memory trackers remain authoritative; a journal write
// failure is logged and otherwise ignored.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
)

// Entry is one completed dispatch.
type Entry struct {
	DispatchID    string
	RunID         string
	AgentID       string
	SpaceID       string
	Mode          string
	Outcome       string
	ResponseChars int
	ToolCalls     int
	DurationMS    int64
	CreatedAt     time.Time
}

// Journal records dispatch outcomes. A nil *Journal is a no-op, so callers
// never branch on whether journalling is configured.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates if needed) the SQLite journal at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db, logger: log.WithComponent("journal")}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_log (
  dispatch_id    TEXT NOT NULL,
  run_id         TEXT NOT NULL,
  agent_id       TEXT NOT NULL,
  space_id       TEXT NOT NULL,
  mode           TEXT NOT NULL,
  outcome        TEXT NOT NULL,
  response_chars INTEGER NOT NULL DEFAULT 0,
  tool_calls     INTEGER NOT NULL DEFAULT 0,
  duration_ms    INTEGER NOT NULL DEFAULT 0,
  created_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_dispatch_id_idx ON dispatch_log(dispatch_id);`,
		`CREATE INDEX IF NOT EXISTS dispatch_log_created_at_idx ON dispatch_log(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Record appends an entry. Failures are logged at warn and swallowed.
func (j *Journal) Record(ctx context.Context, e Entry) {
	if j == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO dispatch_log
		   (dispatch_id, run_id, agent_id, space_id, mode, outcome, response_chars, tool_calls, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DispatchID, e.RunID, e.AgentID, e.SpaceID, e.Mode, e.Outcome,
		e.ResponseChars, e.ToolCalls, e.DurationMS, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		j.logger.Warn("failed to record dispatch", "dispatch_id", e.DispatchID, "error", err)
	}
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT dispatch_id, run_id, agent_id, space_id, mode, outcome, response_chars, tool_calls, duration_ms, created_at
		   FROM dispatch_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch_log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.DispatchID, &e.RunID, &e.AgentID, &e.SpaceID, &e.Mode,
			&e.Outcome, &e.ResponseChars, &e.ToolCalls, &e.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan dispatch_log row: %w", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch_log: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}
