package manager

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/streambot/internal/detector"
	"github.com/loykin/streambot/internal/process"
	"github.com/loykin/streambot/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writeWorker(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(p, []byte(body), 0o700); err != nil {
		t.Fatal(err)
	}
	return p
}

func newRealSupervisor(t *testing.T, script string, policy StopPolicy) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "run", "stream.pid")
	l := process.NewLauncher(process.Spec{Interpreter: "sh", Script: script, Output: filepath.Join(dir, "worker.out")}, nil)
	sup := New(registry.New(pidPath, nil), l, WithScript(script), WithStopPolicy(policy))
	return sup, pidPath
}

func TestLifecycleWithRealWorker(t *testing.T) {
	requireUnix(t)
	script := writeWorker(t, t.TempDir(), "#!/bin/sh\nwhile true; do sleep 0.05; done\n")
	sup, pidPath := newRealSupervisor(t, script, StopPolicy{Grace: 2 * time.Second, KillTimeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})

	started, err := sup.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := sup.Status()
	if !st.Running || st.PID != started.PID || !st.Verified {
		t.Fatalf("expected running %d, got %+v", started.PID, st)
	}
	if _, err := sup.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	res, err := sup.Stop(started.PID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Forced || res.Lingering {
		t.Fatalf("sh worker should exit on SIGTERM, got %+v", res)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("record file should be gone, stat err=%v", err)
	}
	if st := sup.Status(); st.Running {
		t.Fatalf("expected stopped, got %+v", st)
	}
	if state, _ := detector.Host().Probe(started.PID); state != detector.Dead {
		t.Fatalf("worker %d still alive", started.PID)
	}
}

func TestLifecycleEscalatesOnStubbornWorker(t *testing.T) {
	requireUnix(t)
	script := writeWorker(t, t.TempDir(), "#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 0.05; done\n")
	sup, _ := newRealSupervisor(t, script, StopPolicy{Grace: 300 * time.Millisecond, KillTimeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})

	started, err := sup.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	res, err := sup.Stop(started.PID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Forced || res.Lingering {
		t.Fatalf("expected forced kill, got %+v", res)
	}
	if res.Took < 300*time.Millisecond {
		t.Fatalf("kill should only follow the grace period, took %v", res.Took)
	}
}

func TestLifecycleStaleRecordFromDeadWorker(t *testing.T) {
	requireUnix(t)
	script := writeWorker(t, t.TempDir(), "#!/bin/sh\nexit 0\n")
	sup, pidPath := newRealSupervisor(t, script, DefaultStopPolicy())

	started, err := sup.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := detector.Host().Probe(started.PID); state == detector.Dead {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st := sup.Status(); st.Running {
		t.Fatalf("exited worker must read as stopped, got %+v", st)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("stale record should be removed")
	}
}

func TestLifecycleMissingScript(t *testing.T) {
	requireUnix(t)
	missing := filepath.Join(t.TempDir(), "nope.py")
	sup, pidPath := newRealSupervisor(t, missing, DefaultStopPolicy())
	_, err := sup.Start()
	var se *SpawnError
	if !errors.As(err, &se) || !errors.Is(err, process.ErrScriptNotFound) {
		t.Fatalf("expected SpawnError for missing script, got %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("no record should be written")
	}
}
