package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured indicates the storage engine was not initialised.
var ErrNotConfigured = errors.New("storage: not configured")

// PersistenceError marks a durable-write or load failure. In-memory state
// may be ahead of disk; callers log loudly and keep running.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is a storage failure.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Store persists the two singleton records. Loading an absent record
// returns (nil, nil): missing state is "no baseline yet", not an error.
type Store interface {
	LoadBaseline(ctx context.Context) (*Baseline, error)
	SaveBaseline(ctx context.Context, baseline Baseline) error
	LoadAlertState(ctx context.Context) (*AlertState, error)
	SaveAlertState(ctx context.Context, state AlertState) error
}
