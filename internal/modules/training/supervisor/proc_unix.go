//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the worker in its own process group so a wrapper
// script and its children are killed together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
