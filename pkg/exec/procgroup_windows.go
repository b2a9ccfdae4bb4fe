//go:build windows

package exec

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// terminateGroup kills the child; Windows has no SIGTERM to deliver.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
