// Package statestore persists a job's state as a single JSON document.
//
// All writes go through Apply, which validates the candidate state before
// atomically replacing the file. Readers either hold the Store or use
// ReadFile, which never observes a partially written document.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
)

var (
	// ErrStateExists is returned by Create when a state file is already present
	ErrStateExists = errors.New("state file already exists")
	// ErrNotLoaded is returned by Apply before Create or Load
	ErrNotLoaded = errors.New("state not loaded")
)

// Recorder receives the change history of committed writes
type Recorder interface {
	Record(entries []taskstore.Entry) error
}

// Store owns the state file of one job. It is the single writer.
type Store struct {
	path     string
	recorder Recorder
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *domain.JobState
}

// Option configures a Store
type Option func(*Store)

// WithRecorder sends every committed change to r
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l.With("statestore") }
}

// WithClock overrides time.Now, used for last_updated stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open returns a store for the state file at path. Nothing is read until Load.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: logging.Discard(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the state file location
func (s *Store) Path() string { return s.path }

// Exists reports whether the state file is present on disk
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Create writes the first version of the state file
func (s *Store) Create(job *domain.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Exists() {
		return fmt.Errorf("%w: %s", ErrStateExists, s.path)
	}

	next := job.Clone()
	next.LastUpdated = s.now()
	if err := Validate(next); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.current = next

	entries := []taskstore.Entry{{JobID: next.JobID, ToStatus: string(next.Status), At: next.LastUpdated}}
	for _, u := range next.Units.All() {
		entries = append(entries, taskstore.Entry{JobID: next.JobID, UnitID: u.ID, ToStatus: string(u.Status), At: next.LastUpdated})
	}
	s.record(entries)
	return nil
}

// Load reads and validates the state file and makes it the current state
func (s *Store) Load() (*domain.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	s.current = job
	return job.Clone(), nil
}

// Snapshot returns a copy of the current state, or nil before Load/Create
func (s *Store) Snapshot() *domain.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Apply runs mutate against a copy of the current state and commits the result.
//
// The copy is stamped (last_updated, previous_status of every changed entity),
// checked against the transition tables and the schema, then written atomically.
// If any step fails neither the file nor the in-memory state change.
func (s *Store) Apply(mutate func(job *domain.JobState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNotLoaded
	}

	next := s.current.Clone()
	if err := mutate(next); err != nil {
		return err
	}

	now := s.now()
	entries, err := stamp(s.current, next, now)
	if err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}

	s.current = next
	s.record(entries)
	return nil
}

func (s *Store) write(job *domain.JobState) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	data = append(data, '\n')
	return writeAtomic(s.path, data)
}

// record hands entries to the recorder. The state file is already committed,
// so a recorder failure is logged rather than returned.
func (s *Store) record(entries []taskstore.Entry) {
	if s.recorder == nil || len(entries) == 0 {
		return
	}
	if err := s.recorder.Record(entries); err != nil {
		s.logger.Warnf("record_history entries=%d error=%v", len(entries), err)
	}
}

// ReadFile loads and validates a state file without taking ownership of it
func ReadFile(path string) (*domain.JobState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job domain.JobState
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding state %s: %w", path, err)
	}
	if err := Validate(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// stamp compares prev and next, enforces the transition tables and
// structural invariants, sets last_updated and previous_status on next,
// and returns one history entry per status change.
func stamp(prev, next *domain.JobState, now time.Time) ([]taskstore.Entry, error) {
	if next.JobID != prev.JobID {
		return nil, fmt.Errorf("job_id is immutable")
	}
	if next.IntegrationBranch != prev.IntegrationBranch {
		return nil, fmt.Errorf("integration_branch is immutable")
	}
	if prev.BaselineCommit != "" && next.BaselineCommit != prev.BaselineCommit {
		return nil, fmt.Errorf("baseline_commit is immutable once set")
	}
	if !reflect.DeepEqual(prev.Units.IDs(), next.Units.IDs()) {
		return nil, fmt.Errorf("the set of units is fixed after initialization")
	}

	var entries []taskstore.Entry

	if next.Status != prev.Status {
		if err := domain.ValidateJobTransition(prev.Status, next.Status); err != nil {
			return nil, err
		}
		next.PreviousStatus = prev.Status
		entries = append(entries, taskstore.Entry{
			JobID:      next.JobID,
			FromStatus: string(prev.Status),
			ToStatus:   string(next.Status),
			Reason:     next.FailureReason,
			At:         now,
		})
	}

	for _, old := range prev.Units.All() {
		u := next.Unit(old.ID)
		if !reflect.DeepEqual(old.DependsOn, u.DependsOn) || old.Critical != u.Critical {
			return nil, fmt.Errorf("unit %s: depends_on and critical are immutable", old.ID)
		}
		if old.Status.IsTerminal() {
			if err := checkTerminalUnchanged(old, u); err != nil {
				return nil, err
			}
			continue
		}
		if u.Status == old.Status {
			continue
		}
		if err := domain.ValidateUnitTransition(old.Status, u.Status); err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.ID, err)
		}
		u.PreviousStatus = old.Status
		entries = append(entries, taskstore.Entry{
			JobID:      next.JobID,
			UnitID:     u.ID,
			FromStatus: string(old.Status),
			ToStatus:   string(u.Status),
			Reason:     unitReason(u),
			At:         now,
		})
	}

	next.LastUpdated = now
	return entries, nil
}

// checkTerminalUnchanged allows only the branch deletion flag to change on a
// unit that already reached a terminal status.
func checkTerminalUnchanged(old, u *domain.UnitState) error {
	candidate := u.Clone()
	if candidate.BranchInfo != nil && old.BranchInfo != nil {
		candidate.BranchInfo.Deleted = old.BranchInfo.Deleted
	}
	if !reflect.DeepEqual(old, candidate) {
		return fmt.Errorf("unit %s is %s and cannot be modified", old.ID, old.Status)
	}
	return nil
}

func unitReason(u *domain.UnitState) string {
	switch u.Status {
	case domain.UnitFailed:
		return u.FailureReason
	case domain.UnitBlocked:
		if u.FailureReason != "" {
			return u.FailureReason
		}
		return "blocked_by: " + u.BlockingDependency
	}
	return ""
}
