// Package checkpoint persists workflow records between steps.
//
// Checkpoints are advisory: the executor logs a failed save and keeps going.
// They exist so that a crashed or finished run can be inspected later.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// ErrNotFound is returned by Load for an unknown run.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists records keyed by run ID.
type Store interface {
	Save(ctx context.Context, rec *record.Record) error
	Load(ctx context.Context, runID string) (*record.Record, error)
	// List returns stored run IDs, most recently started first.
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}

// Open creates the store selected by cfg.CheckpointBackend. The "none"
// backend yields a nil Store and no error.
func Open(ctx context.Context, cfg *config.EngineConfig) (Store, error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointNone, "":
		return nil, nil
	case config.CheckpointRedis:
		return NewRedisStore(ctx, RedisOptions{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisKeyPrefix})
	case config.CheckpointSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.CheckpointFile:
		return NewFileStore(cfg.CheckpointDir)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend '%s'", cfg.CheckpointBackend)
	}
}

func encode(backend string, rec *record.Record) ([]byte, error) {
	if rec.RunID() == "" {
		observability.RecordCheckpointWrite(backend, "error")
		return nil, errors.New("record has no run_id")
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		observability.RecordCheckpointWrite(backend, "error")
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.RunID(), err)
	}
	return data, nil
}

func decode(runID string, data []byte) (*record.Record, error) {
	rec, err := record.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", runID, err)
	}
	return rec, nil
}

func recordWrite(backend string, err error) error {
	if err != nil {
		observability.RecordCheckpointWrite(backend, "error")
		return err
	}
	observability.RecordCheckpointWrite(backend, "success")
	return nil
}
