//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalGroup signals the worker's process group so helpers it spawned
// (ffmpeg) go down with it. Records left by an earlier run may point at a
// process that does not lead a group; those are signalled directly.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessGone
	}
	if err != nil {
		return fmt.Errorf("signal %s to pid %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}
