package manager

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorTypes(t *testing.T) {
	are := fmt.Errorf("wrapped: %w", &AlreadyRunningError{PID: 7})
	if !errors.Is(are, ErrAlreadyRunning) {
		t.Fatalf("AlreadyRunningError should match ErrAlreadyRunning")
	}
	if errors.Is(are, ErrNotRunning) {
		t.Fatalf("AlreadyRunningError must not match ErrNotRunning")
	}
	if !strings.Contains(are.Error(), "pid 7") {
		t.Fatalf("pid missing from message: %v", are)
	}

	cause := errors.New("exec: not found")
	se := &SpawnError{Script: "s.py", Err: cause}
	if !errors.Is(se, cause) || !strings.Contains(se.Error(), "s.py") {
		t.Fatalf("SpawnError should unwrap and name the script: %v", se)
	}

	sig := &SignalError{PID: 9, Err: cause}
	if !errors.Is(sig, cause) || !strings.Contains(sig.Error(), "9") {
		t.Fatalf("SignalError should unwrap and name the pid: %v", sig)
	}
}
