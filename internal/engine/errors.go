package engine

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is matched by every ConflictError.
var ErrVersionConflict = errors.New("version conflict")

// ValidationError rejects a request before storage is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError reports a stale expected version. Current is the version
// observed when the failure was classified.
type ConflictError struct {
	TaskID   string
	Expected int
	Current  int
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("task %s: version conflict (expected %d, current %d)", e.TaskID, e.Expected, e.Current)
}

func (e ConflictError) Unwrap() error { return ErrVersionConflict }

// StorageError wraps an unexpected store failure. The transaction it happened
// in has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se StorageError
	if errors.As(err, &se) {
		return err
	}
	return StorageError{Op: op, Err: err}
}
