package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/streambot/internal/env"
)

var (
	// ErrScriptNotFound is returned by Launch when the worker script is missing.
	ErrScriptNotFound = errors.New("worker script not found")
	// ErrInterpreterNotFound is returned by Launch when the interpreter is not on PATH.
	ErrInterpreterNotFound = errors.New("worker interpreter not found")
)

// Spec describes how the managed worker is invoked.
type Spec struct {
	Interpreter string   // e.g. python3; empty runs Script directly
	Script      string   // passed as the sole argument to Interpreter
	WorkDir     string   // optional working dir
	Env         []string // extra K=V on top of the bot's environment; ${VAR} is expanded
	Output      string   // file receiving merged stdout/stderr; empty discards output
}

// Launcher spawns the worker described by Spec.
type Launcher struct {
	spec   Spec
	logger *slog.Logger
}

func NewLauncher(spec Spec, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{spec: spec, logger: logger}
}

// Spec returns the invocation the launcher uses.
func (l *Launcher) Spec() Spec { return l.spec }

// BuildCommand constructs the *exec.Cmd for the worker without starting it.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	script := strings.TrimSpace(s.Script)
	if script == "" {
		return nil, fmt.Errorf("%w: empty script path", ErrScriptNotFound)
	}
	if _, err := os.Stat(script); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, script)
		}
		return nil, fmt.Errorf("stat worker script: %w", err)
	}
	var cmd *exec.Cmd
	if interp := strings.TrimSpace(s.Interpreter); interp != "" {
		path, err := exec.LookPath(interp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInterpreterNotFound, interp)
		}
		// #nosec G204
		cmd = exec.Command(path, script)
	} else {
		// #nosec G204
		cmd = exec.Command(script)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = env.New().Merge(s.Env)
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}

// Launch starts the worker and returns its pid once the OS accepted the
// exec request. A background goroutine reaps the child when it exits.
func (l *Launcher) Launch() (int, error) {
	cmd, err := l.spec.BuildCommand()
	if err != nil {
		return 0, err
	}
	out, err := openOutput(l.spec.Output)
	if err != nil {
		return 0, err
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		_ = out.Close()
		if err != nil {
			l.logger.Info("Worker exited", "pid", pid, "error", err)
			return
		}
		l.logger.Info("Worker exited", "pid", pid)
	}()
	return pid, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open worker output: %w", err)
	}
	return f, nil
}
