package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

const backendSQLite = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id        TEXT PRIMARY KEY,
	pipeline      TEXT NOT NULL,
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	record        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_started ON checkpoints(started_at);
`

// SQLiteStore keeps checkpoints in a single table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }

// Save upserts the record.
func (s *SQLiteStore) Save(ctx context.Context, rec *record.Record) error {
	data, err := encode(backendSQLite, rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (run_id, pipeline, status, current_stage, started_at, updated_at, record)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	pipeline = excluded.pipeline,
	status = excluded.status,
	current_stage = excluded.current_stage,
	updated_at = excluded.updated_at,
	record = excluded.record`,
		rec.RunID(), rec.Pipeline(), string(rec.Status()), rec.CurrentStage(),
		rec.StartedAt().UnixNano(), time.Now().UnixNano(), string(data),
	)
	if err != nil {
		err = fmt.Errorf("failed to save checkpoint %s: %w", rec.RunID(), err)
	}
	return recordWrite(backendSQLite, err)
}

// Load reads a record. Unknown runs return ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*record.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", runID, err)
	}
	return decode(runID, []byte(data))
}

// List returns run IDs, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM checkpoints ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a record. Deleting an unknown run is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
