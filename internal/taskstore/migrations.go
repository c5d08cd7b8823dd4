package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    task_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    model TEXT,
    command TEXT,
    context TEXT,
    claimed_by TEXT,
    claimed_at TIMESTAMP,
    started_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP,
    output TEXT,
    progress_pct REAL DEFAULT 0,
    current_step TEXT,
    decision_prompt TEXT,
    decision TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

CREATE TABLE IF NOT EXISTS run_states (
    task_id TEXT PRIMARY KEY REFERENCES tasks(id),
    run_id TEXT NOT NULL,
    worker_id TEXT NOT NULL,
    branch TEXT,
    status TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    lease_expires_at TIMESTAMP NOT NULL,
    patch TEXT,
    updated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_run_states_lease ON run_states(lease_expires_at);
`
