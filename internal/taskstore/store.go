package taskstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps the change history of jobs in SQLite.
// The JSON state file stays authoritative; this is an audit log.
type Store struct {
	db *sql.DB
}

// Entry is one recorded status transition. UnitID is empty for job-level changes.
type Entry struct {
	ID         int64
	JobID      string
	UnitID     string
	FromStatus string
	ToStatus   string
	Reason     string
	At         time.Time
}

// Run is one worker invocation
type Run struct {
	ID           string
	JobID        string
	UnitID       string
	Attempt      int
	BaseCommit   string
	Branch       string
	WorktreePath string
	Outcome      string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a second connection would see a different :memory: database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts entries in one transaction
func (s *Store) Record(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO transitions (job_id, unit_id, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.JobID, e.UnitID, e.FromStatus, e.ToStatus, e.Reason, e.At.UTC()); err != nil {
			return fmt.Errorf("recording %s/%s: %w", e.JobID, e.UnitID, err)
		}
	}

	return tx.Commit()
}

// ListOptions specifies filters for listing history
type ListOptions struct {
	JobID  string
	UnitID string
	// JobOnly restricts results to job-level transitions
	JobOnly bool
	Limit   int
}

// List returns entries matching opts, oldest first
func (s *Store) List(opts ListOptions) ([]Entry, error) {
	query := `SELECT id, job_id, unit_id, from_status, to_status, reason, at FROM transitions WHERE 1=1`
	var args []interface{}

	if opts.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, opts.JobID)
	}
	if opts.UnitID != "" {
		query += " AND unit_id = ?"
		args = append(args, opts.UnitID)
	} else if opts.JobOnly {
		query += " AND unit_id = ''"
	}

	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.UnitID, &e.FromStatus, &e.ToStatus, &reason, &e.At); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StartRun records a worker invocation
func (s *Store) StartRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, job_id, unit_id, attempt, base_commit, branch, worktree_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempt = runs.attempt + 1,
			base_commit = excluded.base_commit,
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			outcome = NULL,
			error_message = NULL,
			started_at = excluded.started_at,
			finished_at = NULL
	`,
		r.ID, r.JobID, r.UnitID, max(r.Attempt, 1), r.BaseCommit, r.Branch, r.WorktreePath, r.StartedAt.UTC(),
	)
	return err
}

// FinishRun stores the outcome of a worker invocation
func (s *Store) FinishRun(id, outcome, errMsg string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET outcome = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		outcome, errMsg, at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// ListRuns returns the runs of a job ordered by start time
func (s *Store) ListRuns(jobID string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, unit_id, attempt, base_commit, branch, worktree_path, outcome, error_message, started_at, finished_at
		FROM runs WHERE job_id = ? ORDER BY started_at, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var base, branch, wt, outcome, errMsg sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.UnitID, &r.Attempt, &base, &branch, &wt, &outcome, &errMsg, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.BaseCommit = base.String
		r.Branch = branch.String
		r.WorktreePath = wt.String
		r.Outcome = outcome.String
		r.ErrorMessage = errMsg.String
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
