// Package orchestrator runs a job's control loop: it owns every state
// mutation, starts workers as slots free up, validates what they report and
// finally integrates or rolls back the job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/integrate"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/parser"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/recovery"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/statestore"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/validator"
)

// ErrStalled means units remain that can neither run nor be blocked. It
// indicates a bug in the state machine.
var ErrStalled = errors.New("scheduler stalled")

// Options are the job-independent settings of the control loop
type Options struct {
	BranchPrefix  string
	BaselineRef   string
	ReportDir     string
	MaxConcurrent int
	Remote        string
	Push          bool
}

// RunRecorder keeps a log of worker invocations
type RunRecorder interface {
	StartRun(r *taskstore.Run) error
	FinishRun(id, outcome, errMsg string, at time.Time) error
}

// Orchestrator drives one job to a terminal status
type Orchestrator struct {
	opts      Options
	store     *statestore.Store
	repo      *gitrepo.Repo
	worktrees *gitrepo.WorktreeManager
	manager   *executor.Manager
	limiter   *scheduler.Limiter
	validator *validator.Validator
	engine    *integrate.Engine
	recovery  *recovery.Controller
	runs      RunRecorder
	notifier  notify.Notifier
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithNotifier sends a notification when the job reaches a terminal status
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithRunRecorder records every worker invocation
func WithRunRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.runs = r }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator
func New(opts Options, store *statestore.Store, repo *gitrepo.Repo, worktrees *gitrepo.WorktreeManager, manager *executor.Manager, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opts:      opts,
		store:     store,
		repo:      repo,
		worktrees: worktrees,
		manager:   manager,
		limiter:   scheduler.NewLimiter(opts.MaxConcurrent),
		validator: validator.New(repo),
		notifier:  notify.NoopNotifier{},
		logger:    logging.Discard(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(o)
	}
	o.engine = integrate.New(repo, worktrees, opts.Remote, o.logger)
	o.recovery = recovery.NewController(worktrees, opts.BranchPrefix, o.logger)
	o.logger = o.logger.With("orchestrator")
	return o
}

// Init validates the work graph, pins the baseline commit, creates the
// integration branch and writes the initial state. A graph with a cycle is
// rejected before anything is written.
func (o *Orchestrator) Init(ctx context.Context, g *parser.Graph) (*domain.JobState, error) {
	if o.store.Exists() {
		return nil, fmt.Errorf("%w: %s", statestore.ErrStateExists, o.store.Path())
	}
	if _, err := scheduler.ValidateGraph(g.Specs()); err != nil {
		return nil, err
	}

	ref := g.Baseline
	if ref == "" {
		ref = o.opts.BaselineRef
	}
	if ref == "" {
		ref = "HEAD"
	}
	baseline, err := o.repo.ResolveCommit(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolving baseline %s: %w", ref, err)
	}

	branch := g.IntegrationBranch
	if branch == "" {
		branch = executor.IntegrationBranchName(o.opts.BranchPrefix, g.JobID)
	}
	exists, err := o.repo.BranchExists(ctx, branch)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("integration branch %s already exists", branch)
	}

	job, err := domain.NewJob(g.JobID, branch, g.RollbackOnCriticalFailure, g.Specs())
	if err != nil {
		return nil, err
	}
	job.BaselineCommit = baseline
	if err := o.store.Create(job); err != nil {
		return nil, err
	}
	o.logger.Infof("job_created job=%s units=%d baseline=%s branch=%s", job.JobID, job.Units.Len(), baseline, branch)

	if err := o.finishInit(ctx); err != nil {
		return nil, err
	}
	return o.store.Snapshot(), nil
}

// finishInit creates the integration branch and moves the job to ready. It
// is safe to repeat after a crash between the two steps.
func (o *Orchestrator) finishInit(ctx context.Context) error {
	job := o.store.Snapshot()
	exists, err := o.repo.BranchExists(ctx, job.IntegrationBranch)
	if err != nil {
		return err
	}
	if !exists {
		if err := o.repo.CreateBranch(ctx, job.IntegrationBranch, job.BaselineCommit); err != nil {
			reason := "init_failed: " + err.Error()
			if applyErr := o.finishJob(domain.JobFailed, reason); applyErr != nil {
				return errors.Join(err, applyErr)
			}
			return err
		}
	}
	return o.store.Apply(func(job *domain.JobState) error {
		job.Status = domain.JobReady
		return nil
	})
}

// Run drives the job in the state file until it reaches a terminal status.
// Cancelling ctx stops the loop and leaves the state for Run to pick up
// again; running units are then treated as abandoned.
func (o *Orchestrator) Run(ctx context.Context) (*domain.JobState, error) {
	job, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		o.logger.Infof("job_already_finished job=%s status=%s", job.JobID, job.Status)
		return job, nil
	}
	if job.Status == domain.JobInitializing {
		if err := o.finishInit(ctx); err != nil {
			return nil, err
		}
	}

	if o.store.Snapshot().Status == domain.JobRunning {
		if err := o.store.Apply(func(job *domain.JobState) error {
			for _, r := range recovery.Reconcile(job) {
				if r.UnitID == "" {
					o.logger.Warnf("reconciled job=%s from=%s to=%s", job.JobID, r.From, r.To)
				} else {
					o.logger.Warnf("reconciled unit=%s from=%s to=%s", r.UnitID, r.From, r.To)
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := o.store.Apply(func(job *domain.JobState) error {
		job.Status = domain.JobRunning
		if job.StartedAt == nil {
			now := o.now()
			job.StartedAt = &now
		}
		return nil
	}); err != nil {
		return nil, err
	}
	o.logger.Infof("job_running job=%s max_concurrent=%d", job.JobID, o.limiter.Max())

	for {
		if err := ctx.Err(); err != nil {
			return o.store.Snapshot(), err
		}

		var progress bool
		if failed := o.rollbackPending(o.store.Snapshot()); failed != "" {
			progress, err = o.halt(failed)
		} else {
			progress, err = o.schedule(ctx)
		}
		if err != nil {
			return o.store.Snapshot(), err
		}

		if o.manager.Outstanding() == 0 {
			job := o.store.Snapshot()
			if job.AllUnitsTerminal() {
				break
			}
			if !progress {
				return job, o.fatal(fmt.Errorf("%w: %v", ErrStalled, job.Counts()))
			}
			continue
		}

		out, err := o.manager.WaitAny(ctx)
		if err != nil {
			return o.store.Snapshot(), err
		}
		if err := o.handleOutcome(ctx, out); err != nil {
			return o.store.Snapshot(), err
		}
	}

	if err := o.finish(ctx); err != nil {
		return o.store.Snapshot(), err
	}
	return o.store.Snapshot(), nil
}

// rollbackPending returns the critical unit whose failure requires a rollback, or ""
func (o *Orchestrator) rollbackPending(job *domain.JobState) string {
	if !job.RollbackOnCriticalFailure {
		return ""
	}
	for _, u := range job.Units.All() {
		if u.Critical && u.Status == domain.UnitFailed {
			return u.ID
		}
	}
	return ""
}

// halt blocks whatever has not started yet
func (o *Orchestrator) halt(failedID string) (bool, error) {
	waiting := false
	for _, u := range o.store.Snapshot().Units.All() {
		if u.Status == domain.UnitPending || u.Status == domain.UnitQueued {
			waiting = true
			break
		}
	}
	if !waiting {
		return false, nil
	}
	err := o.store.Apply(func(job *domain.JobState) error {
		ids := recovery.Halt(job, failedID, o.now())
		o.logger.Warnf("halted failed=%s units=%s", failedID, strings.Join(ids, ","))
		return nil
	})
	return err == nil, err
}

// schedule runs one tick: it persists what the resolver decided, then starts
// as many queued units as there are free slots. It reports whether anything
// changed.
func (o *Orchestrator) schedule(ctx context.Context) (bool, error) {
	ready, blocks := scheduler.New(o.store.Snapshot()).ReadyUnits()
	progress := len(ready) > 0 || len(blocks) > 0
	if progress {
		if err := o.store.Apply(func(job *domain.JobState) error {
			now := o.now()
			for _, b := range blocks {
				u := job.Unit(b.UnitID)
				u.Status = domain.UnitBlocked
				u.BlockingDependency = b.Dependency
				u.CompletedAt = &now
				o.logger.Infof("unit_blocked unit=%s dependency=%s", b.UnitID, b.Dependency)
			}
			for _, r := range ready {
				job.Unit(r.ID).Status = domain.UnitQueued
			}
			return nil
		}); err != nil {
			return false, err
		}
	}

	job := o.store.Snapshot()
	queued := scheduler.New(job).Queued()
	n := o.limiter.Spawnable(job, len(queued))
	for _, u := range queued[:n] {
		// an earlier spawn failure in this tick may have halted the job
		current := o.store.Snapshot()
		if current.Unit(u.ID).Status != domain.UnitQueued || o.rollbackPending(current) != "" {
			break
		}
		if err := o.spawn(ctx, u.ID); err != nil {
			return false, err
		}
		progress = true
	}
	return progress, nil
}

// spawn prepares a unit's branch and starts its worker. Only errors that
// end the control loop are returned; a unit that cannot start is failed.
func (o *Orchestrator) spawn(ctx context.Context, unitID string) error {
	job := o.store.Snapshot()
	u := job.Unit(unitID)

	base, err := o.engine.BaseCommit(ctx, job, u)
	if err != nil {
		if errors.Is(err, integrate.ErrConsistency) {
			return o.fatal(err)
		}
		return o.failUnit(unitID, "base_commit_failed: "+err.Error())
	}

	branch := executor.BranchName(o.opts.BranchPrefix, job.JobID, unitID)
	wt, err := o.worktrees.Create(ctx, branch, base)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failUnit(unitID, "worktree_failed: "+err.Error())
	}

	inv := executor.Invocation{
		RunID:        executor.RunID(job.JobID, unitID),
		JobID:        job.JobID,
		UnitID:       unitID,
		BaseCommit:   base,
		BranchName:   branch,
		WorktreePath: wt,
		ReportPath:   executor.ReportPath(o.opts.ReportDir, job.JobID, unitID),
	}

	now := o.now()
	if err := o.store.Apply(func(job *domain.JobState) error {
		u := job.Unit(unitID)
		u.Status = domain.UnitRunning
		u.StartedAt = &now
		u.BranchInfo = &domain.BranchInfo{BaseCommit: base, BranchName: branch}
		return nil
	}); err != nil {
		return err
	}
	o.startRun(inv, now)

	if err := o.manager.Start(ctx, inv); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.finishRun(inv.RunID, "spawn_failed", err.Error())
		o.cleanupWorktree(wt)
		o.logger.Warnf("spawn_exhausted unit=%s error=%v", unitID, err)
		return o.failUnit(unitID, executor.ErrSpawnExhausted.Error())
	}
	o.logger.Infof("unit_started unit=%s base=%s branch=%s", unitID, base, branch)
	return nil
}

// failUnit fails a unit that never produced a report and applies the failure policy
func (o *Orchestrator) failUnit(unitID, reason string) error {
	o.logger.Errorf("unit_failed unit=%s reason=%q", unitID, reason)
	return o.store.Apply(func(job *domain.JobState) error {
		now := o.now()
		u := job.Unit(unitID)
		u.Status = domain.UnitFailed
		u.FailureReason = reason
		u.BranchInfo = nil
		u.CompletedAt = &now
		o.applyFailurePolicy(job, unitID, now)
		return nil
	})
}

func (o *Orchestrator) applyFailurePolicy(job *domain.JobState, unitID string, now time.Time) {
	if recovery.HandleFailure(job, unitID, now) == recovery.RollBack {
		o.logger.Warnf("rollback_requested unit=%s outstanding=%d", unitID, o.manager.Outstanding())
	}
}

// handleOutcome validates a finished worker's report and records the result
func (o *Orchestrator) handleOutcome(ctx context.Context, out executor.Outcome) error {
	inv := out.Invocation
	unitID := inv.UnitID

	if err := o.store.Apply(func(job *domain.JobState) error {
		job.Unit(unitID).Status = domain.UnitValidating
		return nil
	}); err != nil {
		return err
	}

	var decision validator.Decision
	var reportErr *executor.ReportError
	switch {
	case errors.As(out.Err, &reportErr):
		decision = validator.Decision{Status: domain.UnitFailed, FailureReason: "validation_failed: " + reportErr.Err.Error()}
	case out.Err != nil:
		decision = validator.Decision{Status: domain.UnitFailed, FailureReason: "worker_failed: " + out.Err.Error()}
	default:
		unit := o.store.Snapshot().Unit(unitID)
		result := o.validator.Validate(ctx, unit, out.Report)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, w := range result.Warnings {
			o.logger.Warnf("unit_warning unit=%s warning=%q", unitID, w)
		}
		if result.Passed && out.Report.BranchName != inv.BranchName {
			o.logger.Warnf("unit_branch_mismatch unit=%s assigned=%s reported=%s", unitID, inv.BranchName, out.Report.BranchName)
		}
		decision = validator.Outcome(out.Report, result)
	}

	if err := o.store.Apply(func(job *domain.JobState) error {
		now := o.now()
		decision.Apply(job.Unit(unitID), now)
		if decision.Status != domain.UnitCompleted {
			o.applyFailurePolicy(job, unitID, now)
		}
		return nil
	}); err != nil {
		return err
	}

	if decision.Status == domain.UnitCompleted {
		o.logger.Infof("unit_completed unit=%s commit=%s", unitID, decision.BranchInfo.Final())
	} else {
		o.logger.Errorf("unit_%s unit=%s reason=%q", decision.Status, unitID, decision.FailureReason)
	}
	o.finishRun(inv.RunID, string(decision.Status), decision.FailureReason)
	o.cleanupWorktree(inv.WorktreePath)
	return nil
}

// finish rolls the job back or integrates it, then sets the terminal status
func (o *Orchestrator) finish(ctx context.Context) error {
	job := o.store.Snapshot()

	if failed := o.rollbackPending(job); failed != "" {
		deleted, err := o.recovery.Rollback(ctx, job)
		status, reason := domain.JobRolledBack, "critical_unit_failed: "+failed
		if err != nil {
			status, reason = domain.JobFailed, "rollback_failed: "+err.Error()
		}
		if err := o.store.Apply(func(job *domain.JobState) error {
			recovery.MarkDeleted(job, deleted)
			now := o.now()
			job.Status = status
			job.FailureReason = reason
			job.CompletedAt = &now
			return nil
		}); err != nil {
			return err
		}
		o.logger.Warnf("job_%s job=%s deleted=%d reason=%q", status, job.JobID, len(deleted), reason)
		o.notify()
		return nil
	}

	res, err := o.engine.Integrate(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.fatal(err)
	}
	if res.Conflict != "" {
		if err := o.finishJob(domain.JobFailed, "merge_conflict: "+res.Conflict); err != nil {
			return err
		}
		o.notify()
		return nil
	}

	status, reason := recovery.FinalStatus(o.store.Snapshot())
	if o.opts.Push {
		if _, err := o.engine.Publish(ctx, job); err != nil {
			o.logger.Warnf("publish_failed branch=%s error=%v", job.IntegrationBranch, err)
			status = domain.JobPartialSuccess
			reason = joinReason(reason, "publish_failed: "+err.Error())
		}
	}
	if err := o.finishJob(status, reason); err != nil {
		return err
	}
	o.logger.Infof("job_%s job=%s merged=%d tip=%s", status, job.JobID, len(res.Merged), res.Tip)
	o.notify()
	return nil
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func (o *Orchestrator) finishJob(status domain.JobStatus, reason string) error {
	return o.store.Apply(func(job *domain.JobState) error {
		now := o.now()
		job.Status = status
		job.FailureReason = reason
		job.CompletedAt = &now
		return nil
	})
}

// fatal records an error the loop cannot recover from as the job's failure
// and returns it
func (o *Orchestrator) fatal(err error) error {
	o.logger.Errorf("job_fatal error=%v", err)
	reason := "internal_error: " + err.Error()
	if errors.Is(err, integrate.ErrConsistency) {
		reason = "consistency_error: " + err.Error()
	}
	if applyErr := o.finishJob(domain.JobFailed, reason); applyErr != nil {
		return errors.Join(err, applyErr)
	}
	o.notify()
	return err
}

func (o *Orchestrator) notify() {
	if err := o.notifier.Send(notify.ForJob(o.store.Snapshot())); err != nil {
		o.logger.Warnf("notify_failed error=%v", err)
	}
}

func (o *Orchestrator) startRun(inv executor.Invocation, at time.Time) {
	if o.runs == nil {
		return
	}
	if err := o.runs.StartRun(&taskstore.Run{
		ID:           inv.RunID,
		JobID:        inv.JobID,
		UnitID:       inv.UnitID,
		BaseCommit:   inv.BaseCommit,
		Branch:       inv.BranchName,
		WorktreePath: inv.WorktreePath,
		StartedAt:    at,
	}); err != nil {
		o.logger.Warnf("record_run_start run=%s error=%v", inv.RunID, err)
	}
}

func (o *Orchestrator) finishRun(runID, outcome, errMsg string) {
	if o.runs == nil {
		return
	}
	if err := o.runs.FinishRun(runID, outcome, errMsg, o.now()); err != nil {
		o.logger.Warnf("record_run_finish run=%s error=%v", runID, err)
	}
}

// cleanupWorktree removes a unit's worktree; the branch stays for integration
func (o *Orchestrator) cleanupWorktree(path string) {
	if err := o.worktrees.Remove(context.Background(), path); err != nil {
		o.logger.Debugf("worktree_cleanup path=%s error=%v", path, err)
	}
}
