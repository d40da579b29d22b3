package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// tailLines is how many output lines are kept to explain a failed worker
const tailLines = 20

// ProcessSpawner runs an external command as the worker for a unit.
// Arguments may contain {job_id}, {unit_id}, {base_commit}, {branch},
// {worktree}, {report} and {run_id}.
type ProcessSpawner struct {
	Command string
	Args    []string
	Env     []string
}

// NewProcessSpawner creates a ProcessSpawner
func NewProcessSpawner(command string, args []string) *ProcessSpawner {
	return &ProcessSpawner{Command: command, Args: args}
}

// Environment returns the variables a worker receives for inv
func Environment(inv Invocation) []string {
	return []string{
		"EPIC_JOB_ID=" + inv.JobID,
		"EPIC_UNIT_ID=" + inv.UnitID,
		"EPIC_BASE_COMMIT=" + inv.BaseCommit,
		"EPIC_BRANCH=" + inv.BranchName,
		"EPIC_WORKTREE=" + inv.WorktreePath,
		"EPIC_REPORT_PATH=" + inv.ReportPath,
		"EPIC_RUN_ID=" + inv.RunID,
	}
}

func expandArgs(args []string, inv Invocation) []string {
	r := strings.NewReplacer(
		"{job_id}", inv.JobID,
		"{unit_id}", inv.UnitID,
		"{base_commit}", inv.BaseCommit,
		"{branch}", inv.BranchName,
		"{worktree}", inv.WorktreePath,
		"{report}", inv.ReportPath,
		"{run_id}", inv.RunID,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// LogPath returns the output log written next to a report
func LogPath(reportPath string) string {
	return strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".log"
}

// Spawn starts the worker process. A failure here is a spawn failure; the
// process exiting later is reported through the Handle.
func (p *ProcessSpawner) Spawn(ctx context.Context, inv Invocation) (Handle, error) {
	if p.Command == "" {
		return nil, errors.New("no worker command configured")
	}
	if err := os.MkdirAll(filepath.Dir(inv.ReportPath), 0755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	// a report left over from an earlier attempt must not be mistaken for this one
	if err := os.Remove(inv.ReportPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale report: %w", err)
	}

	logFile, err := os.Create(LogPath(inv.ReportPath))
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	fmt.Fprintf(logFile, "=== %s unit=%s run=%s started at %s ===\n",
		p.Command, inv.UnitID, inv.RunID, time.Now().Format(time.RFC3339))

	cmd := exec.CommandContext(ctx, p.Command, expandArgs(p.Args, inv)...)
	cmd.Dir = inv.WorktreePath
	cmd.Env = append(append(os.Environ(), p.Env...), Environment(inv)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", p.Command, err)
	}

	h := &processHandle{cmd: cmd, inv: inv, logFile: logFile}
	h.streamed.Add(2)
	go h.readLines(stdout)
	go h.readLines(stderr)
	return h, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	inv      Invocation
	streamed sync.WaitGroup

	mu      sync.Mutex
	logFile *os.File
	tail    []string
}

func (h *processHandle) readLines(r io.Reader) {
	defer h.streamed.Done()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.mu.Lock()
		h.logFile.WriteString(line + "\n")
		h.tail = append(h.tail, line)
		if len(h.tail) > tailLines {
			h.tail = h.tail[len(h.tail)-tailLines:]
		}
		h.mu.Unlock()
	}
}

// Wait waits for the process and reads the report it left behind. A worker
// that exits non-zero but still wrote a report is judged by the report.
func (h *processHandle) Wait() (*domain.CompletionReport, error) {
	h.streamed.Wait()
	runErr := h.cmd.Wait()

	h.mu.Lock()
	fmt.Fprintf(h.logFile, "=== exited at %s: %v ===\n", time.Now().Format(time.RFC3339), exitDescription(runErr))
	h.logFile.Close()
	tail := strings.Join(h.tail, "\n")
	h.mu.Unlock()

	data, err := os.ReadFile(h.inv.ReportPath)
	if err != nil {
		if runErr != nil {
			if tail != "" {
				return nil, fmt.Errorf("worker exited: %w: %s", runErr, lastErrorLine(tail))
			}
			return nil, fmt.Errorf("worker exited: %w", runErr)
		}
		return nil, &ReportError{Err: fmt.Errorf("worker exited without writing %s", h.inv.ReportPath)}
	}
	return DecodeReport(data)
}

func exitDescription(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// lastErrorLine picks the most useful line of a failed worker's output,
// preferring a JSON {"type":"error"} message.
func lastErrorLine(tail string) string {
	lines := strings.Split(tail, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type == "error" && msg.Error != "" {
			return msg.Error
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
