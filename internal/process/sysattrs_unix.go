//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in a new process group so that
// group signals reach its children and terminal signals aimed at the bot
// do not reach the worker.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
