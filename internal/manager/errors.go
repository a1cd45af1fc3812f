package manager

import (
	"errors"
	"fmt"

	"github.com/loykin/streambot/internal/registry"
)

var (
	// ErrAlreadyRunning reports that a live worker record exists. Use
	// errors.As with *AlreadyRunningError to get the pid.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotRunning reports that there is no live worker to stop.
	ErrNotRunning = errors.New("worker not running")
	// ErrLockTimeout reports that the record lock could not be taken in time.
	ErrLockTimeout = registry.ErrLockTimeout
)

type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("worker already running (pid %d)", e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// SpawnError wraps a failure to launch the worker or to record it.
type SpawnError struct {
	Script string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %v", e.Script, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SignalError wraps a failure to deliver a termination or kill signal.
type SignalError struct {
	PID int
	Err error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal worker %d: %v", e.PID, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }
