package manager

import (
	"errors"
	"time"

	"github.com/loykin/streambot/internal/detector"
	"github.com/loykin/streambot/internal/process"
)

// terminate asks the worker to exit, waits up to Grace, then kills it and
// waits up to KillTimeout. An error means a signal could not be delivered.
func (s *Supervisor) terminate(pid int, state detector.State) (Stopped, error) {
	res := Stopped{PID: pid}

	if err := s.sig.Terminate(pid); err != nil {
		if errors.Is(err, process.ErrProcessGone) {
			res.AlreadyExited = true
			return res, nil
		}
		return Stopped{}, &SignalError{PID: pid, Err: err}
	}

	if state == detector.Unknown {
		// nothing to poll; wait once
		s.sleep(s.policy.Grace)
		res.Unverified = true
		return res, nil
	}

	if s.waitExit(pid, s.policy.Grace) {
		return res, nil
	}

	s.logger.Warn("Worker ignored termination request, killing", "pid", pid, "grace", s.policy.Grace)
	if err := s.sig.Kill(pid); err != nil {
		if errors.Is(err, process.ErrProcessGone) {
			return res, nil
		}
		return Stopped{}, &SignalError{PID: pid, Err: err}
	}
	res.Forced = true
	if !s.waitExit(pid, s.policy.KillTimeout) {
		res.Lingering = true
	}
	return res, nil
}

// waitExit polls the detector until pid is dead or d elapses.
func (s *Supervisor) waitExit(pid int, d time.Duration) bool {
	deadline := s.now().Add(d)
	for {
		if state, err := s.det.Probe(pid); err == nil && state == detector.Dead {
			return true
		}
		if !s.now().Before(deadline) {
			return false
		}
		s.sleep(s.policy.PollInterval)
	}
}
