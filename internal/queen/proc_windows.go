//go:build windows

package queen

import "os"

// terminateProc has no graceful signal on Windows; kill outright.
func terminateProc(p *os.Process) error {
	return p.Kill()
}

// killProc force-kills a worker child.
func killProc(p *os.Process) error {
	return p.Kill()
}
