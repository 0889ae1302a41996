//go:build windows

package worker

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows.
// Windows uses job objects instead of POSIX process groups.
func setProcAttr(cmd *exec.Cmd) {
	// No-op on Windows
}

// terminateProcess falls back to Kill on Windows; there is no portable
// graceful signal for console processes.
func terminateProcess(pid int) error {
	return killByPID(pid)
}

// killProcessGroup kills the direct child only.
func killProcessGroup(pid int) error {
	return killByPID(pid)
}

func killByPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
