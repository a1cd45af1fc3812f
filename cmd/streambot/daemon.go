package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/streambot/internal/registry"
)

// daemonize re-executes serve in the background and exits the parent. The
// child keeps --pidfile so it writes and removes the file itself.
func daemonize(logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, childArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	_ = cmd.Process.Release()
	return nil
}

// childArgs drops the flags that only make sense for the parent.
func childArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// writePidFile records the bot's own pid in the same format as the worker record.
func writePidFile(pidFile string, pid int) error {
	return registry.New(pidFile, nil).Write(pid)
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return registry.New(pidFile, nil).Clear()
}
