package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

const (
	backendFile = "file"
	fileExt     = ".json"
)

// FileStore writes one JSON file per run into a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+fileExt)
}

// Save writes to a temp file then renames it over the previous checkpoint,
// so readers never see a partial write.
func (s *FileStore) Save(ctx context.Context, rec *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(backendFile, rec)
	if err != nil {
		return err
	}
	if strings.ContainsAny(rec.RunID(), `/\`) {
		return recordWrite(backendFile, fmt.Errorf("run_id %q is not a valid file name", rec.RunID()))
	}
	return recordWrite(backendFile, writeAtomic(s.dir, s.path(rec.RunID()), data))
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads a record. Unknown runs return ErrNotFound.
func (s *FileStore) Load(ctx context.Context, runID string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", runID, err)
	}
	return decode(runID, data)
}

// List returns run IDs, newest first. It decodes every file to read the
// start time, which is fine for the directory sizes this store targets.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	type item struct {
		id      string
		started int64
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), fileExt)
		rec, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item{id: id, started: rec.StartedAt().UnixNano()})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].started != items[j].started {
			return items[i].started > items[j].started
		}
		return items[i].id < items[j].id
	})

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

// Delete removes a record. Deleting an unknown run is not an error.
func (s *FileStore) Delete(ctx context.Context, runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// LoadFile decodes a single checkpoint file, such as one written by FileStore
// or exported with record.MarshalJSON.
func LoadFile(path string) (*record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return decode(filepath.Base(path), data)
}

var _ Store = (*FileStore)(nil)
