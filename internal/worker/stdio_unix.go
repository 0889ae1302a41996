//go:build !windows

package worker

import (
	"io"
	"os/exec"
)

// routeChildOutput wires the agent's stdout/stderr. On Unix both streams
// are piped so output can be captured into the run log and transcript.
func routeChildOutput(cmd *exec.Cmd) (stdout, stderr io.ReadCloser, err error) {
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	return stdout, stderr, nil
}
