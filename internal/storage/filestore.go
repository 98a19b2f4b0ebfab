package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	baselineFile   = "baseline.json"
	alertStateFile = "alert_state.json"
)

// FileStore keeps each record as one JSON file, replaced atomically via
// write-to-temp then rename so a crash mid-write never leaves a truncated
// record.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, ErrNotConfigured
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "create data dir", Err: err}
	}
	return &FileStore{dir: dir}, nil
}

// LoadBaseline reads the persisted baseline, or (nil, nil) when absent.
func (f *FileStore) LoadBaseline(ctx context.Context) (*Baseline, error) {
	var baseline Baseline
	ok, err := f.load(baselineFile, &baseline)
	if err != nil || !ok {
		return nil, err
	}
	return &baseline, nil
}

// SaveBaseline atomically replaces the persisted baseline.
func (f *FileStore) SaveBaseline(ctx context.Context, baseline Baseline) error {
	return f.save(baselineFile, baseline)
}

// LoadAlertState reads the persisted alert state, or (nil, nil) when absent.
func (f *FileStore) LoadAlertState(ctx context.Context) (*AlertState, error) {
	var state AlertState
	ok, err := f.load(alertStateFile, &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// SaveAlertState atomically replaces the persisted alert state.
func (f *FileStore) SaveAlertState(ctx context.Context, state AlertState) error {
	return f.save(alertStateFile, state)
}

func (f *FileStore) load(name string, out interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &PersistenceError{Op: fmt.Sprintf("read %s", name), Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &PersistenceError{Op: fmt.Sprintf("decode %s", name), Err: err}
	}
	return true, nil
}

func (f *FileStore) save(name string, record interface{}) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("encode %s", name), Err: err}
	}

	target := filepath.Join(f.dir, name)
	tmp, err := os.CreateTemp(f.dir, name+".tmp*")
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("create temp for %s", name), Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: fmt.Sprintf("write %s", name), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: fmt.Sprintf("sync %s", name), Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: fmt.Sprintf("close %s", name), Err: err}
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: fmt.Sprintf("replace %s", name), Err: err}
	}
	return nil
}

var _ Store = (*FileStore)(nil)
