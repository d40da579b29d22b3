package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    unit_id TEXT NOT NULL DEFAULT '',
    from_status TEXT NOT NULL DEFAULT '',
    to_status TEXT NOT NULL,
    reason TEXT,
    at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id);
CREATE INDEX IF NOT EXISTS idx_transitions_unit_id ON transitions(job_id, unit_id);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 1,
    base_commit TEXT,
    branch TEXT,
    worktree_path TEXT,
    outcome TEXT,
    error_message TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);
`
