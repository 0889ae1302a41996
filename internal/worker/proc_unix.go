//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// setProcAttr sets process attributes for Unix systems.
// Enables process group creation so agent child processes can be killed
// together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess asks the agent's process group to exit.
func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the entire process group.
// On Unix, the process group ID equals the PID of the group leader;
// a negative PID signals the whole group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
