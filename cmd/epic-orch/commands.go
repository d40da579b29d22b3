package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/batch"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/observer"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/parser"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/statestore"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/claude-epic-orchestrator/tui"
	"github.com/hochfrequenz/claude-epic-orchestrator/web/api"
)

var (
	runServe    bool
	runAtCron   bool
	historyUnit string
	historyMax  int
	servePort   int
)

func init() {
	// init command
	initCmd := &cobra.Command{
		Use:   "init GRAPH",
		Short: "Create a job from a work graph file or directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job until every unit is finished",
		Long: `Run drives the job in the state directory to a terminal status. It is safe
to interrupt: the next run resets units whose workers were lost and carries on.`,
		RunE: runRun,
	}
	runCmd.Flags().BoolVar(&runServe, "serve", false, "also serve the status API while running")
	runCmd.Flags().BoolVar(&runAtCron, "at-cron", false, "wait for schedule.cron before starting")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show job and unit status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded status transitions",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyUnit, "unit", "", "only show this unit")
	historyCmd.Flags().IntVar(&historyMax, "limit", 0, "maximum number of entries")
	rootCmd.AddCommand(historyCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Redraw the status whenever the state file changes",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE:  runServeCmd,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default web.port)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.Stderr(logging.ParseLevel(cfg.General.LogLevel))
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func openHistory(cfg *config.Config) (*taskstore.Store, error) {
	if err := os.MkdirAll(cfg.StatePath(), 0755); err != nil {
		return nil, err
	}
	return taskstore.New(cfg.Database())
}

func notifierFor(cfg *config.Config) notify.Notifier {
	return notify.NewMultiNotifier(
		notify.NewDesktopNotifier(cfg.Notifications.Desktop),
		notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
	)
}

func buildOrchestrator(cfg *config.Config, history *taskstore.Store, logger *logging.Logger) (*orchestrator.Orchestrator, func(), error) {
	backoff, err := cfg.Backoff()
	if err != nil {
		return nil, nil, err
	}

	repo := gitrepo.Open(cfg.Repo())
	worktrees := gitrepo.NewWorktreeManager(repo, cfg.Worker.WorktreeDir)
	spawner := executor.NewProcessSpawner(cfg.Worker.Command, cfg.Worker.Args)
	manager := executor.NewManager(spawner, executor.WithBackoff(backoff), executor.WithLogger(logger))
	store := statestore.Open(cfg.StateFile(), statestore.WithRecorder(history), statestore.WithLogger(logger))

	orch := orchestrator.New(orchestrator.Options{
		BranchPrefix:  cfg.Git.BranchPrefix,
		BaselineRef:   cfg.Git.BaselineRef,
		ReportDir:     cfg.StatePath(),
		MaxConcurrent: cfg.General.MaxConcurrent,
		Remote:        cfg.Git.Remote,
		Push:          cfg.Git.Push,
	}, store, repo, worktrees, manager,
		orchestrator.WithNotifier(notifierFor(cfg)),
		orchestrator.WithRunRecorder(history),
		orchestrator.WithLogger(logger),
	)
	return orch, manager.Close, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	graph, err := parser.Load(args[0])
	if err != nil {
		return err
	}

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	orch, closeFn, err := buildOrchestrator(cfg, history, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	job, err := orch.Init(cmd.Context(), graph)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized job %s with %d units on %s\n", job.JobID, job.Units.Len(), job.IntegrationBranch)
	fmt.Printf("State: %s\n", cfg.StateFile())
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Worker.Command == "" {
		return errors.New("worker.command is not configured")
	}
	logger := newLogger(cfg)
	ctx, stop := signalContext(cmd)
	defer stop()

	if runAtCron {
		if cfg.Schedule.Cron == "" {
			return errors.New("--at-cron needs schedule.cron in the config")
		}
		next, err := batch.NextRun(cfg.Schedule.Cron, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Waiting for start window at %s\n", next.Format(time.RFC1123))
		if _, err := batch.WaitForWindow(ctx, cfg.Schedule.Cron); err != nil {
			return err
		}
	}

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	orch, closeFn, err := buildOrchestrator(cfg, history, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if !runServe {
		job, err := orch.Run(ctx)
		return reportRun(job, err)
	}

	// the server only lives as long as the run
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	var job *domain.JobState
	g.Go(func() error {
		defer stopServer()
		var runErr error
		job, runErr = orch.Run(gctx)
		return runErr
	})
	g.Go(func() error {
		return serve(serverCtx, cfg, history, logger, cfg.Web.Port)
	})
	err = g.Wait()
	return reportRun(job, err)
}

func reportRun(job *domain.JobState, err error) error {
	if job != nil {
		fmt.Println(tui.RenderStatus(job, time.Now()))
	}
	if err != nil {
		return err
	}
	if job != nil && job.Status != domain.JobCompleted {
		return fmt.Errorf("job finished %s: %s", job.Status, job.FailureReason)
	}
	return nil
}

func loadState(cfg *config.Config) (*domain.JobState, error) {
	job, err := statestore.ReadFile(cfg.StateFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no job in %s; run 'epic-orch init' first", cfg.StatePath())
	}
	return job, err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	job, err := loadState(cfg)
	if err != nil {
		return err
	}
	fmt.Println(tui.RenderStatus(job, time.Now()))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	job, err := loadState(cfg)
	if err != nil {
		return err
	}
	history, err := taskstore.New(cfg.Database())
	if err != nil {
		return err
	}
	defer history.Close()

	entries, err := history.List(taskstore.ListOptions{JobID: job.JobID, UnitID: historyUnit, Limit: historyMax})
	if err != nil {
		return err
	}
	fmt.Println(tui.RenderHistory(entries, time.Now()))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	job, err := loadState(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	draw := func(job *domain.JobState) {
		fmt.Print("\033[H\033[2J")
		fmt.Println(tui.RenderStatus(job, time.Now()))
	}
	draw(job)

	watcher, err := observer.NewStateWatcher(cfg.StateFile(), draw, newLogger(cfg))
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	<-ctx.Done()
	return nil
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	return serve(ctx, cfg, history, newLogger(cfg), port)
}

// serve runs the status API, pushing every state change to live clients
func serve(ctx context.Context, cfg *config.Config, history *taskstore.Store, logger *logging.Logger, port int) error {
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(cfg.StateFile(), history, addr, logger)

	if err := os.MkdirAll(cfg.StatePath(), 0755); err != nil {
		return err
	}
	watcher, err := observer.NewStateWatcher(cfg.StateFile(), server.Publish, logger)
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	fmt.Printf("Serving job status at http://%s/api/status\n", addr)
	return server.Serve(ctx)
}
