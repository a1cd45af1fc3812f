package process

import "errors"

// ErrProcessGone reports that the signalled process no longer exists.
var ErrProcessGone = errors.New("process not found")

// Signaler delivers termination requests to the worker.
type Signaler struct{}

// Terminate asks pid to shut down gracefully where the platform allows it.
func (Signaler) Terminate(pid int) error { return terminate(pid) }

// Kill forcefully ends pid.
func (Signaler) Kill(pid int) error { return kill(pid) }
