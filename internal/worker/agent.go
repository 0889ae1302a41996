package worker

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	hiveerrors "github.com/randalmurphal/hive/internal/errors"
)

// agentBinary is the CLI agent executable name.
const agentBinary = "claude"

// heartbeatInterval is how often a running worker refreshes its
// heartbeat row while the agent executes.
const heartbeatInterval = 30 * time.Second

// agentOutcome captures what happened during one agent invocation.
type agentOutcome struct {
	ExitCode        int
	TimedOut        bool
	AssistantSeen   bool
	ClaudeCompleted bool
	OutputLines     int
	Transcript      string
}

// locateAgent resolves the agent binary: explicit config path first, then
// well-known install locations, then PATH.
func locateAgent(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", hiveerrors.Newf(hiveerrors.CodeSpawnFailed,
				"configured agent path %s not found", configured).
				WithFix("check agent.path in .hive/config.yaml")
		}
		return configured, nil
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".claude", "local", agentBinary),
		filepath.Join(home, ".local", "bin", agentBinary),
		filepath.Join("/usr", "local", "bin", agentBinary),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	if path, err := exec.LookPath(agentBinary); err == nil {
		return path, nil
	}
	return "", hiveerrors.New(hiveerrors.CodeSpawnFailed, "agent binary not found").
		WithWhy(fmt.Sprintf("%s is not installed in any known location or on PATH", agentBinary)).
		WithFix("install the claude CLI or set agent.path in .hive/config.yaml")
}

// agentArgs builds the CLI invocation for one prompt.
func agentArgs(prompt, workspacePath, model string) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--add-dir", workspacePath,
		"--dangerously-skip-permissions",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// runAgent launches the agent and supervises it to completion: streams
// the NDJSON transcript, refreshes heartbeats, and enforces the run
// timeout with a terminate-then-kill escalation. A timed-out or
// signal-killed agent reports exit code -1.
func (w *Worker) runAgent(binPath string, args []string, ws *Workspace) (*agentOutcome, error) {
	cmd := exec.Command(binPath, args...)
	cmd.Dir = ws.Path
	cmd.Env = childEnv(ws.Path, w.appCfg.ProjectRoot)
	cmd.Stdin = nil
	setProcAttr(cmd)

	stdout, stderr, err := routeChildOutput(cmd)
	if err != nil {
		return nil, hiveerrors.Wrap(hiveerrors.CodeSpawnFailed, "pipe agent output", err).
			In("worker", "run_agent")
	}

	if err := cmd.Start(); err != nil {
		return nil, hiveerrors.Wrap(hiveerrors.CodeSpawnFailed, "start agent process", err).
			In("worker", "run_agent").
			WithFix("verify the agent binary is executable")
	}
	pid := cmd.Process.Pid
	w.log.Info("agent started",
		slog.Int("pid", pid),
		slog.String("workspace", ws.Path))

	outcome := &agentOutcome{}
	var transcript strings.Builder
	var mu sync.Mutex

	var readers sync.WaitGroup
	if stdout != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			w.consumeStream(stdout, outcome, &transcript, &mu, true)
		}()
	}
	if stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			w.consumeStream(stderr, outcome, &transcript, &mu, false)
		}()
	}

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	timeout := time.NewTimer(w.appCfg.WorkerTimeout())
	defer timeout.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case waitErr := <-done:
			mu.Lock()
			outcome.Transcript = transcript.String()
			mu.Unlock()
			outcome.ExitCode = exitCodeFrom(cmd, waitErr)
			return outcome, nil

		case <-heartbeat.C:
			if err := w.store.UpdateWorkerHeartbeat(w.workerID(), "busy", w.cfg.TaskID); err != nil {
				w.log.Warn("heartbeat update failed", slog.String("error", err.Error()))
			}

		case <-timeout.C:
			w.log.Warn("agent run exceeded timeout, terminating",
				slog.Int("pid", pid),
				slog.Duration("timeout", w.appCfg.WorkerTimeout()))
			outcome.TimedOut = true
			if err := terminateProcess(pid); err != nil {
				w.log.Warn("terminate failed", slog.String("error", err.Error()))
			}
			select {
			case <-done:
			case <-time.After(w.appCfg.KillGrace()):
				w.log.Warn("agent ignored terminate, killing process group", slog.Int("pid", pid))
				if err := killProcessGroup(pid); err != nil {
					w.log.Warn("kill failed", slog.String("error", err.Error()))
				}
				<-done
			}
			mu.Lock()
			outcome.Transcript = transcript.String()
			mu.Unlock()
			outcome.ExitCode = -1
			return outcome, nil
		}
	}
}

// consumeStream reads one output pipe line by line, appending to the
// transcript and, for stdout, parsing the NDJSON events.
func (w *Worker) consumeStream(r io.ReadCloser, outcome *agentOutcome, transcript *strings.Builder, mu *sync.Mutex, parse bool) {
	scanner := bufio.NewScanner(r)
	// Agent messages can be large; allow lines up to 10MB.
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		transcript.WriteString(line)
		transcript.WriteString("\n")
		outcome.OutputLines++
		if parse {
			parseAgentLine(line, outcome)
		}
		mu.Unlock()
		if parse && w.cfg.Live {
			w.printLive(line)
		}
	}
}

// parseAgentLine inspects one stream-json line for completion markers.
// The agent emits {"type":"assistant",...} for each assistant turn and a
// final {"type":"result","subtype":"success"} on clean completion.
func parseAgentLine(line string, outcome *agentOutcome) {
	if !gjson.Valid(line) {
		return
	}
	switch gjson.Get(line, "type").String() {
	case "assistant":
		outcome.AssistantSeen = true
	case "result":
		if gjson.Get(line, "subtype").String() == "success" {
			outcome.ClaudeCompleted = true
		}
	}
}

// exitCodeFrom extracts the child exit code; processes killed by signal
// report -1.
func exitCodeFrom(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
