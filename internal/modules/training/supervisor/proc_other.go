//go:build !unix

package supervisor

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
