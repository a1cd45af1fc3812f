//go:build !windows

package detector

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

type hostDetector struct{}

// Probe sends signal 0 to pid. EPERM still proves the process exists.
func (hostDetector) Probe(pid int) (State, error) {
	if pid <= 0 {
		return Dead, nil
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil || errors.Is(err, unix.EPERM):
		// A child that exited but was not reaped yet still answers signal 0.
		if runtime.GOOS == "linux" && isZombieLinux(pid) {
			return Dead, nil
		}
		return Alive, nil
	case errors.Is(err, unix.ESRCH):
		return Dead, nil
	default:
		return Dead, fmt.Errorf("probe pid %d: %w", pid, err)
	}
}

func (hostDetector) Describe() string { return "signal:0" }

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
