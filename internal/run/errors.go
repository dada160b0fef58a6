package run

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStrategy is returned by Runner.Run for a strategy name it
	// does not implement.
	ErrUnknownStrategy = errors.New("unknown run strategy")

	// ErrRunInProgress is returned by Runner.Run when another run holds the
	// stores. Runs are mutually exclusive because overlapping runs would
	// fight over the same cursors.
	ErrRunInProgress = errors.New("run already in progress")
)

// PersistenceError marks a failure of the local durability layer (cursor,
// entity metadata, limiter state or the output sink).
//
// Fetch failures are per-item and a run works through them; a persistence
// failure means progress can no longer be recorded truthfully, so it aborts
// the run. The cursor keeps whatever was durably marked and the next run
// resumes from it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
