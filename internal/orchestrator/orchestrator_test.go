package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/parser"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/recovery"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/statestore"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
)

func gitOut(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// workers share one object store; commit one at a time
var commitMu sync.Mutex

func commitWork(dir, file, content string) (string, error) {
	commitMu.Lock()
	defer commitMu.Unlock()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0644); err != nil {
		return "", err
	}
	if _, err := gitOut(dir, "add", file); err != nil {
		return "", err
	}
	if _, err := gitOut(dir, "commit", "-m", "work on "+file); err != nil {
		return "", err
	}
	return gitOut(dir, "rev-parse", "HEAD")
}

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
	} {
		_, err := gitOut(dir, args...)
		require.NoError(t, err)
	}
	_, err := commitWork(dir, "README.md", "# Test")
	require.NoError(t, err)
	return dir
}

// worker is what a fake worker does in its worktree
type worker func(inv executor.Invocation) (*domain.CompletionReport, error)

func report(inv executor.Invocation, final *string) *domain.CompletionReport {
	return &domain.CompletionReport{
		UnitID:          inv.UnitID,
		Status:          domain.UnitCompleted,
		BranchName:      inv.BranchName,
		BaseCommit:      inv.BaseCommit,
		FinalCommit:     final,
		FilesModified:   []string{},
		TestStatus:      domain.TestPassing,
		AcceptanceItems: []domain.AcceptanceItem{},
	}
}

func writes(file, content string) worker {
	return func(inv executor.Invocation) (*domain.CompletionReport, error) {
		sha, err := commitWork(inv.WorktreePath, file, content)
		if err != nil {
			return nil, err
		}
		r := report(inv, &sha)
		r.FilesModified = []string{file}
		return r, nil
	}
}

func succeeds(inv executor.Invocation) (*domain.CompletionReport, error) {
	return writes(strings.ToLower(inv.UnitID)+".txt", inv.UnitID)(inv)
}

func reportsFailure(reason string) worker {
	return func(inv executor.Invocation) (*domain.CompletionReport, error) {
		r := report(inv, nil)
		r.Status = domain.UnitFailed
		r.FailureReason = reason
		r.TestStatus = domain.TestSkipped
		return r, nil
	}
}

func claimsFakeCommit(inv executor.Invocation) (*domain.CompletionReport, error) {
	fake := "0123456789abcdef0123456789abcdef01234567"
	return report(inv, &fake), nil
}

// claimsRef does real work but names its final commit by a ref
func claimsRef(ref string) worker {
	return func(inv executor.Invocation) (*domain.CompletionReport, error) {
		if _, err := commitWork(inv.WorktreePath, strings.ToLower(inv.UnitID)+".txt", inv.UnitID); err != nil {
			return nil, err
		}
		claim := ref
		if claim == "" {
			claim = inv.BranchName
		}
		return report(inv, &claim), nil
	}
}

func crashes(inv executor.Invocation) (*domain.CompletionReport, error) {
	return nil, errors.New("exit status 1")
}

type handleFunc func() (*domain.CompletionReport, error)

func (f handleFunc) Wait() (*domain.CompletionReport, error) { return f() }

type harness struct {
	t         *testing.T
	dir       string
	stateFile string
	repo      *gitrepo.Repo
	worktrees *gitrepo.WorktreeManager
	history   *taskstore.Store
	notified  []notify.Notification

	workers   map[string]worker
	spawnFail map[string]bool
	push      bool

	mu            sync.Mutex
	spawnAttempts map[string]int
	active        int
	maxActive     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := setupGitRepo(t)
	repo := gitrepo.Open(dir)
	history, err := taskstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	return &harness{
		t:             t,
		dir:           dir,
		stateFile:     filepath.Join(t.TempDir(), "state.json"),
		repo:          repo,
		worktrees:     gitrepo.NewWorktreeManager(repo, filepath.Join(t.TempDir(), "wt")),
		history:       history,
		workers:       make(map[string]worker),
		spawnFail:     make(map[string]bool),
		spawnAttempts: make(map[string]int),
	}
}

func (h *harness) Send(n notify.Notification) error {
	h.notified = append(h.notified, n)
	return nil
}

func (h *harness) spawn(ctx context.Context, inv executor.Invocation) (executor.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawnAttempts[inv.UnitID]++
	if h.spawnFail[inv.UnitID] {
		return nil, errors.New("exec: worker binary not found")
	}
	w := h.workers[inv.UnitID]
	if w == nil {
		w = succeeds
	}
	h.active++
	h.maxActive = max(h.maxActive, h.active)

	return handleFunc(func() (*domain.CompletionReport, error) {
		defer func() {
			h.mu.Lock()
			h.active--
			h.mu.Unlock()
		}()
		time.Sleep(5 * time.Millisecond)
		return w(inv)
	}), nil
}

// orchestrator builds a fresh orchestrator over the harness state file, as a
// restarted process would
func (h *harness) orchestrator(maxConcurrent int) *Orchestrator {
	manager := executor.NewManager(executor.SpawnFunc(h.spawn),
		executor.WithSleep(func(context.Context, time.Duration) error { return nil }))
	h.t.Cleanup(manager.Close)

	store := statestore.Open(h.stateFile, statestore.WithRecorder(h.history))
	opts := Options{
		BranchPrefix:  "epic",
		ReportDir:     filepath.Join(filepath.Dir(h.stateFile), "reports"),
		MaxConcurrent: maxConcurrent,
		Remote:        "origin",
		Push:          h.push,
	}
	return New(opts, store, h.repo, h.worktrees, manager,
		WithNotifier(h), WithRunRecorder(h.history))
}

func (h *harness) run(g *parser.Graph, maxConcurrent int) *domain.JobState {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.orchestrator(maxConcurrent).Init(ctx, g)
	require.NoError(h.t, err)

	job, err := h.orchestrator(maxConcurrent).Run(ctx)
	require.NoError(h.t, err)

	onDisk, err := statestore.ReadFile(h.stateFile)
	require.NoError(h.t, err, "the state file must stay valid")
	assert.Equal(h.t, job.Status, onDisk.Status)
	return job
}

func (h *harness) branches() []string {
	out, err := gitOut(h.dir, "branch", "--list", "epic/*", "--format=%(refname:short)")
	require.NoError(h.t, err)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func graph(rollback bool, units ...parser.Unit) *parser.Graph {
	return &parser.Graph{JobID: "job-1", RollbackOnCriticalFailure: rollback, Units: units}
}

func diamondGraph() *parser.Graph {
	return graph(false,
		parser.Unit{ID: "A", Critical: true},
		parser.Unit{ID: "B", DependsOn: []string{"A"}},
		parser.Unit{ID: "C", DependsOn: []string{"A"}},
		parser.Unit{ID: "D", DependsOn: []string{"B", "C"}, Critical: true},
	)
}

func TestRun_DiamondCompletes(t *testing.T) {
	h := newHarness(t)
	job := h.run(diamondGraph(), 3)

	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Empty(t, job.FailureReason)
	require.NotNil(t, job.CompletedAt)

	for _, u := range job.Units.All() {
		assert.Equal(t, domain.UnitCompleted, u.Status, u.ID)
		require.NotNil(t, u.BranchInfo, u.ID)
		assert.NotEmpty(t, u.BranchInfo.Final(), u.ID)
		assert.Equal(t, "epic/job-1--"+u.ID, u.BranchInfo.BranchName)
	}

	// B and C both start from A's final commit; D from one of theirs
	finalA := job.Unit("A").BranchInfo.Final()
	assert.Equal(t, finalA, job.Unit("B").BranchInfo.BaseCommit)
	assert.Equal(t, finalA, job.Unit("C").BranchInfo.BaseCommit)
	assert.Contains(t,
		[]string{job.Unit("B").BranchInfo.Final(), job.Unit("C").BranchInfo.Final()},
		job.Unit("D").BranchInfo.BaseCommit)

	ctx := context.Background()
	for _, u := range job.Units.All() {
		ok, err := h.repo.IsAncestor(ctx, u.BranchInfo.Final(), job.IntegrationBranch)
		require.NoError(t, err)
		assert.True(t, ok, "%s is not merged", u.ID)
	}
	merges, err := gitOut(h.dir, "rev-list", "--merges", "--count", job.IntegrationBranch)
	require.NoError(t, err)
	assert.Equal(t, "4", merges)

	runs, err := h.history.ListRuns("job-1")
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	for _, r := range runs {
		assert.Equal(t, "completed", r.Outcome)
	}

	entries, err := h.history.List(taskstore.ListOptions{JobID: "job-1", UnitID: "D"})
	require.NoError(t, err)
	var path []string
	for _, e := range entries {
		path = append(path, e.ToStatus)
	}
	assert.Equal(t, []string{"pending", "queued", "running", "validating", "completed"}, path)

	require.Len(t, h.notified, 1)
	assert.Equal(t, notify.NotifySuccess, h.notified[0].Type)
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	var units []parser.Unit
	for i := 0; i < 6; i++ {
		units = append(units, parser.Unit{ID: fmt.Sprintf("U%d", i)})
	}
	job := h.run(graph(false, units...), 2)

	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.LessOrEqual(t, h.maxActive, 2)
	assert.Equal(t, 2, h.maxActive, "independent units should run in parallel")
}

func TestRun_FakeFinalCommitIsRejected(t *testing.T) {
	h := newHarness(t)
	h.workers["A"] = claimsFakeCommit

	job := h.run(graph(false,
		parser.Unit{ID: "A"},
		parser.Unit{ID: "B", DependsOn: []string{"A"}},
		parser.Unit{ID: "C"},
	), 3)

	a := job.Unit("A")
	assert.Equal(t, domain.UnitFailed, a.Status)
	assert.True(t, strings.HasPrefix(a.FailureReason, "validation_failed: commit 0123"), a.FailureReason)
	assert.Nil(t, a.BranchInfo, "unverified claims are never recorded")

	assert.Equal(t, domain.UnitBlocked, job.Unit("B").Status)
	assert.Equal(t, "A", job.Unit("B").BlockingDependency)
	assert.Equal(t, domain.UnitCompleted, job.Unit("C").Status)

	assert.Equal(t, domain.JobCompleted, job.Status, "non-critical failures do not fail the job")
}

func TestRun_SymbolicFinalCommitIsRejected(t *testing.T) {
	tests := []struct {
		name  string
		claim string
	}{
		{"HEAD", "HEAD"},
		{"unit branch", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.workers["A"] = claimsRef(tt.claim)

			job := h.run(graph(false, parser.Unit{ID: "A", Critical: true}), 1)

			a := job.Unit("A")
			assert.Equal(t, domain.UnitFailed, a.Status)
			assert.True(t, strings.HasPrefix(a.FailureReason, "validation_failed: final_commit "), a.FailureReason)
			assert.Contains(t, a.FailureReason, "is not a full commit id")
			assert.Nil(t, a.BranchInfo)

			assert.Equal(t, domain.JobPartialSuccess, job.Status)
			assert.Equal(t, "critical_unit_incomplete: A", job.FailureReason)

			files, err := gitOut(h.dir, "ls-tree", "--name-only", job.IntegrationBranch)
			require.NoError(t, err)
			assert.NotContains(t, files, "a.txt")
		})
	}
}

func TestRun_RecordsResolvedCommitIDs(t *testing.T) {
	h := newHarness(t)
	job := h.run(graph(false, parser.Unit{ID: "A"}, parser.Unit{ID: "B", DependsOn: []string{"A"}}), 2)

	require.Equal(t, domain.JobCompleted, job.Status)
	for _, u := range job.Units.All() {
		assert.True(t, domain.IsCommitID(u.BranchInfo.Final()), "%s final = %q", u.ID, u.BranchInfo.Final())
		assert.True(t, domain.IsCommitID(u.BranchInfo.BaseCommit), "%s base = %q", u.ID, u.BranchInfo.BaseCommit)
	}
	files, err := gitOut(h.dir, "ls-tree", "--name-only", job.IntegrationBranch)
	require.NoError(t, err)
	assert.Contains(t, files, "a.txt")
	assert.Contains(t, files, "b.txt")
}

func TestRun_PublishFailureIsPartialSuccess(t *testing.T) {
	h := newHarness(t)
	h.push = true
	_, err := gitOut(h.dir, "remote", "add", "origin", filepath.Join(t.TempDir(), "missing.git"))
	require.NoError(t, err)

	job := h.run(graph(false, parser.Unit{ID: "A", Critical: true}), 1)

	assert.Equal(t, domain.UnitCompleted, job.Unit("A").Status)
	assert.Equal(t, domain.JobPartialSuccess, job.Status)
	assert.True(t, strings.HasPrefix(job.FailureReason, "publish_failed: "), job.FailureReason)

	ok, err := h.repo.IsAncestor(context.Background(), job.Unit("A").BranchInfo.Final(), job.IntegrationBranch)
	require.NoError(t, err)
	assert.True(t, ok, "the local integration branch is kept")
}

func TestRun_CriticalFailureWithoutRollback(t *testing.T) {
	h := newHarness(t)
	h.workers["A"] = reportsFailure("does not compile")

	job := h.run(graph(false,
		parser.Unit{ID: "A", Critical: true},
		parser.Unit{ID: "B", DependsOn: []string{"A"}},
		parser.Unit{ID: "C", DependsOn: []string{"B"}},
		parser.Unit{ID: "E"},
	), 3)

	assert.Equal(t, domain.UnitFailed, job.Unit("A").Status)
	assert.Equal(t, "does not compile", job.Unit("A").FailureReason)
	assert.Equal(t, domain.UnitBlocked, job.Unit("B").Status)
	assert.Equal(t, "A", job.Unit("B").BlockingDependency)
	assert.Equal(t, domain.UnitBlocked, job.Unit("C").Status)
	assert.Equal(t, "B", job.Unit("C").BlockingDependency)
	assert.Equal(t, domain.UnitCompleted, job.Unit("E").Status)

	assert.Equal(t, domain.JobPartialSuccess, job.Status)
	assert.Equal(t, "critical_unit_incomplete: A", job.FailureReason)
	assert.Contains(t, h.branches(), "epic/job-1", "integration branch is kept")
}

func TestRun_CriticalFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	aDone := make(chan struct{})
	failA := reportsFailure("does not compile")
	h.workers["A"] = func(inv executor.Invocation) (*domain.CompletionReport, error) {
		defer close(aDone)
		return failA(inv)
	}
	// E finishes after A so F is never started
	h.workers["E"] = func(inv executor.Invocation) (*domain.CompletionReport, error) {
		<-aDone
		return succeeds(inv)
	}

	job := h.run(graph(true,
		parser.Unit{ID: "A", Critical: true},
		parser.Unit{ID: "B", DependsOn: []string{"A"}},
		parser.Unit{ID: "E"},
		parser.Unit{ID: "F", DependsOn: []string{"E"}},
	), 2)

	assert.Equal(t, domain.JobRolledBack, job.Status)
	assert.Equal(t, "critical_unit_failed: A", job.FailureReason)

	// A and E start together; E drains and completes, everything else halts
	assert.Equal(t, domain.UnitCompleted, job.Unit("E").Status)
	assert.True(t, job.Unit("E").BranchInfo.Deleted)
	for _, id := range []string{"B", "F"} {
		u := job.Unit(id)
		assert.Equal(t, domain.UnitBlocked, u.Status, id)
		assert.Equal(t, recovery.ReasonRolledBack, u.FailureReason, id)
		assert.Equal(t, "A", u.BlockingDependency, id)
	}

	assert.Empty(t, h.branches(), "every branch created by the job is deleted")
	require.Len(t, h.notified, 1)
	assert.Equal(t, notify.NotifyError, h.notified[0].Type)
}

func TestRun_SpawnFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.spawnFail["A"] = true

	job := h.run(graph(false, parser.Unit{ID: "A"}, parser.Unit{ID: "B"}), 3)

	a := job.Unit("A")
	assert.Equal(t, domain.UnitFailed, a.Status)
	assert.Equal(t, "spawn_failed_after_retries", a.FailureReason)
	assert.Equal(t, 3, h.spawnAttempts["A"])
	assert.Equal(t, domain.UnitCompleted, job.Unit("B").Status)

	runs, err := h.history.ListRuns("job-1")
	require.NoError(t, err)
	outcomes := map[string]*taskstore.Run{}
	for _, r := range runs {
		outcomes[r.UnitID] = r
	}
	require.Contains(t, outcomes, "A")
	assert.Equal(t, "spawn_failed", outcomes["A"].Outcome)
	assert.Contains(t, outcomes["A"].ErrorMessage, "worker binary not found", "the run log keeps the cause")
}

func TestRun_WorkerCrash(t *testing.T) {
	h := newHarness(t)
	h.workers["A"] = crashes

	job := h.run(graph(false, parser.Unit{ID: "A"}), 1)
	assert.Equal(t, domain.UnitFailed, job.Unit("A").Status)
	assert.Equal(t, "worker_failed: exit status 1", job.Unit("A").FailureReason)
}

func TestRun_MergeConflictFailsJob(t *testing.T) {
	h := newHarness(t)
	h.workers["A"] = writes("shared.txt", "from A")
	h.workers["B"] = writes("shared.txt", "from B")

	job := h.run(graph(false, parser.Unit{ID: "A"}, parser.Unit{ID: "B"}), 2)

	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "merge_conflict: B", job.FailureReason)

	wt, err := h.worktrees.Checkout(context.Background(), job.IntegrationBranch)
	require.NoError(t, err)
	clean, err := h.repo.IsClean(context.Background(), wt)
	require.NoError(t, err)
	assert.True(t, clean, "a conflicting merge is aborted")
}

func TestInit_RejectsCycleWithoutWritingState(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(2).Init(context.Background(), graph(false,
		parser.Unit{ID: "A", DependsOn: []string{"B"}},
		parser.Unit{ID: "B", DependsOn: []string{"A"}},
	))

	assert.True(t, errors.Is(err, scheduler.ErrCycle), "error = %v", err)
	_, statErr := os.Stat(h.stateFile)
	assert.True(t, os.IsNotExist(statErr), "no state may be written for a cyclic graph")
	assert.Empty(t, h.branches())
}

func TestInit_Twice(t *testing.T) {
	h := newHarness(t)
	g := graph(false, parser.Unit{ID: "A"})

	job, err := h.orchestrator(1).Init(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, domain.JobReady, job.Status)
	head, _ := h.repo.Head(context.Background())
	assert.Equal(t, head, job.BaselineCommit)

	_, err = h.orchestrator(1).Init(context.Background(), g)
	assert.True(t, errors.Is(err, statestore.ErrStateExists), "error = %v", err)
}

func TestRun_ResumesAfterCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := graph(false,
		parser.Unit{ID: "A"},
		parser.Unit{ID: "B", DependsOn: []string{"A"}},
	)
	_, err := h.orchestrator(2).Init(ctx, g)
	require.NoError(t, err)

	// simulate a process that died while A's worker was running
	store := statestore.Open(h.stateFile)
	_, err = store.Load()
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.Apply(func(job *domain.JobState) error {
		job.Status = domain.JobRunning
		job.StartedAt = &now
		job.Unit("A").Status = domain.UnitQueued
		return nil
	}))
	require.NoError(t, store.Apply(func(job *domain.JobState) error {
		a := job.Unit("A")
		a.Status = domain.UnitRunning
		a.StartedAt = &now
		a.BranchInfo = &domain.BranchInfo{BaseCommit: job.BaselineCommit, BranchName: "epic/job-1--A"}
		return nil
	}))

	job, err := h.orchestrator(2).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, domain.UnitCompleted, job.Unit("A").Status)
	assert.Equal(t, domain.UnitCompleted, job.Unit("B").Status)

	entries, err := h.history.List(taskstore.ListOptions{JobID: "job-1", UnitID: "A"})
	require.NoError(t, err)
	var sawReset bool
	for _, e := range entries {
		if e.FromStatus == "running" && e.ToStatus == "queued" {
			sawReset = true
		}
	}
	assert.True(t, sawReset, "the abandoned run is reset to queued")

	all, err := h.history.List(taskstore.ListOptions{JobID: "job-1"})
	require.NoError(t, err)
	var jobPath []string
	for _, e := range all {
		if e.UnitID == "" {
			jobPath = append(jobPath, e.FromStatus+"->"+e.ToStatus)
		}
	}
	assert.Contains(t, jobPath, "running->ready", "the restart reset is persisted")
	reset := slices.Index(jobPath, "running->ready")
	require.GreaterOrEqual(t, reset, 0)
	assert.Contains(t, jobPath[reset+1:], "ready->running")

	// a finished job is left alone
	again, err := h.orchestrator(2).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, again.Status)
}

func TestRun_CancelledContextLeavesStateForRestart(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.workers["A"] = func(inv executor.Invocation) (*domain.CompletionReport, error) {
		<-block
		return nil, errors.New("killed")
	}
	defer close(block)

	_, err := h.orchestrator(1).Init(context.Background(), graph(false, parser.Unit{ID: "A"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.orchestrator(1).Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "error = %v", err)

	onDisk, err := statestore.ReadFile(h.stateFile)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, onDisk.Status)
	assert.Equal(t, domain.UnitRunning, onDisk.Unit("A").Status)
}
