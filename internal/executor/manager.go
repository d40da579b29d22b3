package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
)

var (
	// ErrSpawnExhausted is returned by Start once every spawn attempt failed
	ErrSpawnExhausted = errors.New("spawn_failed_after_retries")
	// ErrNoWorkers is returned by WaitAny when nothing is outstanding
	ErrNoWorkers = errors.New("no outstanding workers")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("manager closed")
)

// DefaultBackoff is the wait before the second and third spawn attempt
var DefaultBackoff = []time.Duration{5 * time.Second, 15 * time.Second}

// Handle is a running worker
type Handle interface {
	// Wait blocks until the worker exits and returns its report
	Wait() (*domain.CompletionReport, error)
}

// Spawner starts workers
type Spawner interface {
	Spawn(ctx context.Context, inv Invocation) (Handle, error)
}

// SpawnFunc adapts a function to the Spawner interface
type SpawnFunc func(ctx context.Context, inv Invocation) (Handle, error)

func (f SpawnFunc) Spawn(ctx context.Context, inv Invocation) (Handle, error) { return f(ctx, inv) }

// Outcome is a finished worker
type Outcome struct {
	Invocation Invocation
	Report     *domain.CompletionReport
	Err        error
	Finished   time.Time
}

// Manager starts workers with retry and lets the caller block until any of
// them finishes. Each live handle has one goroutine that waits on it and
// forwards the result to a shared channel.
type Manager struct {
	spawner Spawner
	backoff []time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *logging.Logger

	results chan Outcome
	done    chan struct{}

	mu     sync.Mutex
	active map[string]Invocation
	closed bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithBackoff sets the waits between spawn attempts; len(b)+1 attempts are made
func WithBackoff(b []time.Duration) ManagerOption {
	return func(m *Manager) { m.backoff = b }
}

// WithSleep replaces the backoff sleep, for tests
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) { m.sleep = fn }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l.With("executor") }
}

// NewManager creates a Manager
func NewManager(spawner Spawner, opts ...ManagerOption) *Manager {
	m := &Manager{
		spawner: spawner,
		backoff: DefaultBackoff,
		sleep:   sleepContext,
		logger:  logging.Discard(),
		results: make(chan Outcome),
		done:    make(chan struct{}),
		active:  make(map[string]Invocation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start spawns a worker for inv, retrying with backoff. After the last failed
// attempt it returns an error wrapping ErrSpawnExhausted.
func (m *Manager) Start(ctx context.Context, inv Invocation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, busy := m.active[inv.UnitID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("unit %s already has a worker", inv.UnitID)
	}
	m.mu.Unlock()

	var lastErr error
	attempts := len(m.backoff) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		h, err := m.spawner.Spawn(ctx, inv)
		if err == nil {
			m.track(inv, h)
			m.logger.Infof("worker_started unit=%s run=%s attempt=%d", inv.UnitID, inv.RunID, attempt)
			return nil
		}
		lastErr = err
		m.logger.Warnf("spawn_failed unit=%s attempt=%d/%d error=%v", inv.UnitID, attempt, attempts, err)

		if attempt == attempts {
			break
		}
		if err := m.sleep(ctx, m.backoff[attempt-1]); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: unit %s: %v", ErrSpawnExhausted, inv.UnitID, lastErr)
}

func (m *Manager) track(inv Invocation, h Handle) {
	m.mu.Lock()
	m.active[inv.UnitID] = inv
	m.mu.Unlock()

	go func() {
		report, err := h.Wait()
		out := Outcome{Invocation: inv, Report: report, Err: err, Finished: time.Now().UTC()}
		select {
		case m.results <- out:
		case <-m.done:
		}
	}()
}

// WaitAny blocks until any outstanding worker finishes
func (m *Manager) WaitAny(ctx context.Context) (Outcome, error) {
	if m.Outstanding() == 0 {
		return Outcome{}, ErrNoWorkers
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-m.done:
		return Outcome{}, ErrClosed
	case out := <-m.results:
		m.mu.Lock()
		delete(m.active, out.Invocation.UnitID)
		m.mu.Unlock()
		return out, nil
	}
}

// Outstanding returns the number of workers that have not been collected
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Active returns the unit IDs with an outstanding worker, sorted
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases the forwarding goroutines. Uncollected results are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
