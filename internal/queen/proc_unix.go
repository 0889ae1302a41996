//go:build !windows

package queen

import (
	"os"
	"syscall"
)

// terminateProc asks a worker child to exit gracefully.
func terminateProc(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// killProc force-kills a worker child.
func killProc(p *os.Process) error {
	return p.Kill()
}
