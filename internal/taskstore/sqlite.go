package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-task-coordinator/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore provides SQLite-backed task and run-state persistence
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a Store backed by the SQLite database at dbPath
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	// Claims read-modify-write inside one transaction. BEGIN IMMEDIATE takes
	// the write lock at BEGIN, so a concurrent claimer from another process
	// waits on busy_timeout instead of failing at the upgrade.
	dsn := dbPath
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate"
	} else {
		dsn += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection keeps :memory: databases coherent and sidesteps
	// writer contention inside this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's clock. Test-only.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

const taskColumns = `id, direction, task_type, status, model, command, context,
	claimed_by, claimed_at, started_at, created_at, updated_at,
	output, progress_pct, current_step, decision_prompt, decision`

// CreateTask generates an id, resolves model and command, and inserts the
// task in pending state.
func (s *SQLiteStore) CreateTask(spec TaskSpec) (*domain.Task, error) {
	task, err := buildTask(spec, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.insertTask(s.db, task); err != nil {
		return nil, err
	}
	return task, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertTask(e execer, task *domain.Task) error {
	ctxJSON, err := marshalMap(task.Context)
	if err != nil {
		return err
	}
	_, err = e.Exec(`
		INSERT INTO tasks (id, direction, task_type, status, model, command, context,
			claimed_by, claimed_at, started_at, created_at, updated_at,
			output, progress_pct, current_step, decision_prompt, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Direction,
		string(task.Type),
		string(task.Status),
		task.Model,
		task.Command,
		ctxJSON,
		task.ClaimedBy,
		nullTime(task.ClaimedAt),
		nullTime(task.StartedAt),
		task.CreatedAt,
		nullTime(task.UpdatedAt),
		task.Output,
		task.ProgressPct,
		task.CurrentStep,
		task.DecisionPrompt,
		task.Decision,
	)
	return err
}

// GetTask retrieves a task by id
func (s *SQLiteStore) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks matching the filter, newest first, plus the total
// count before limit/offset.
func (s *SQLiteStore) ListTasks(opts ListOptions) ([]*domain.Task, int, error) {
	where := " WHERE 1=1"
	var args []any
	if opts.Status != "" {
		where += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Type != "" {
		where += " AND task_type = ?"
		args = append(args, string(opts.Type))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	return tasks, total, rows.Err()
}

// UpdateTask applies a partial update under the shared transition rules
func (s *SQLiteStore) UpdateTask(id string, upd TaskUpdate) (*domain.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	applyTaskUpdate(task, upd, s.now())
	if err := s.writeTask(tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) writeTask(e execer, task *domain.Task) error {
	ctxJSON, err := marshalMap(task.Context)
	if err != nil {
		return err
	}
	_, err = e.Exec(`
		UPDATE tasks SET direction = ?, task_type = ?, status = ?, model = ?, command = ?,
			context = ?, claimed_by = ?, claimed_at = ?, started_at = ?, updated_at = ?,
			output = ?, progress_pct = ?, current_step = ?, decision_prompt = ?, decision = ?
		WHERE id = ?
	`,
		task.Direction,
		string(task.Type),
		string(task.Status),
		task.Model,
		task.Command,
		ctxJSON,
		task.ClaimedBy,
		nullTime(task.ClaimedAt),
		nullTime(task.StartedAt),
		nullTime(task.UpdatedAt),
		task.Output,
		task.ProgressPct,
		task.CurrentStep,
		task.DecisionPrompt,
		task.Decision,
		task.ID,
	)
	return err
}

// CountActive returns the number of tasks in pending, running, or
// needs_decision state.
func (s *SQLiteStore) CountActive() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status IN (?, ?, ?)`,
		string(domain.StatusPending), string(domain.StatusRunning), string(domain.StatusNeedsDecision)).Scan(&count)
	return count, err
}

// ClaimRun attempts to acquire a lease for one (task, run, worker) triple.
// The read-check-write happens inside one transaction so concurrent claimers
// serialize on the database, not on an in-process mutex.
func (s *SQLiteStore) ClaimRun(req ClaimRequest) (domain.ClaimResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.ClaimResult{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, req.TaskID).Scan(&exists); err != nil {
		return domain.ClaimResult{}, err
	}
	if exists == 0 {
		return domain.ClaimResult{}, ErrNotFound
	}

	existing, err := scanRun(tx.QueryRow(runSelect+` WHERE task_id = ?`, req.TaskID))
	if err != nil && err != ErrNotFound {
		return domain.ClaimResult{}, err
	}

	now := s.now()
	granted, detail := decideClaim(existing, req, now)
	if !granted {
		return domain.ClaimResult{Claimed: false, Detail: detail, State: existing}, nil
	}

	state := grantedState(existing, req, now)
	if err := s.writeRun(tx, state); err != nil {
		return domain.ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ClaimResult{}, err
	}
	return domain.ClaimResult{Claimed: true, State: state}, nil
}

// UpdateRun merges a patch into the run state, optionally fencing on lease
// ownership.
func (s *SQLiteStore) UpdateRun(taskID, runID, workerID string, patch map[string]any, requireOwner bool) (domain.ClaimResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.ClaimResult{}, err
	}
	defer tx.Rollback()

	state, err := scanRun(tx.QueryRow(runSelect+` WHERE task_id = ?`, taskID))
	if err != nil {
		return domain.ClaimResult{}, err
	}
	if requireOwner && !state.OwnedBy(runID, workerID) {
		return domain.ClaimResult{Claimed: false, Detail: domain.DetailNotOwner, State: state}, nil
	}

	applyRunPatch(state, patch, s.now())
	if err := s.writeRun(tx, state); err != nil {
		return domain.ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ClaimResult{}, err
	}
	return domain.ClaimResult{Claimed: true, State: state}, nil
}

// GetRun returns the run state for a task
func (s *SQLiteStore) GetRun(taskID string) (*domain.RunState, error) {
	return scanRun(s.db.QueryRow(runSelect+` WHERE task_id = ?`, taskID))
}

func (s *SQLiteStore) writeRun(e execer, state *domain.RunState) error {
	patchJSON, err := marshalMap(state.Patch)
	if err != nil {
		return err
	}
	_, err = e.Exec(`
		INSERT INTO run_states (task_id, run_id, worker_id, branch, status, attempt, lease_expires_at, patch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			run_id = excluded.run_id,
			worker_id = excluded.worker_id,
			branch = excluded.branch,
			status = excluded.status,
			attempt = excluded.attempt,
			lease_expires_at = excluded.lease_expires_at,
			patch = excluded.patch,
			updated_at = excluded.updated_at
	`,
		state.TaskID,
		state.RunID,
		state.WorkerID,
		state.Branch,
		string(state.Status),
		state.Attempt,
		state.LeaseExpiresAt,
		patchJSON,
		state.UpdatedAt,
	)
	return err
}

// Clear wipes all tasks and run states. Test-only.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM run_states`); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tasks`)
	return err
}

const runSelect = `SELECT task_id, run_id, worker_id, branch, status, attempt, lease_expires_at, patch, updated_at FROM run_states`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunState, error) {
	var state domain.RunState
	var status string
	var branch, patchJSON sql.NullString
	var updatedAt sql.NullTime

	err := row.Scan(&state.TaskID, &state.RunID, &state.WorkerID, &branch, &status,
		&state.Attempt, &state.LeaseExpiresAt, &patchJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	state.Status = domain.RunStatus(status)
	state.Branch = branch.String
	if updatedAt.Valid {
		state.UpdatedAt = updatedAt.Time
	}
	if patchJSON.Valid && patchJSON.String != "" && patchJSON.String != "null" {
		if err := json.Unmarshal([]byte(patchJSON.String), &state.Patch); err != nil {
			return nil, err
		}
	}
	return &state, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var taskType, status string
	var model, command, ctxJSON, claimedBy, output, currentStep, decisionPrompt, decision sql.NullString
	var claimedAt, startedAt, updatedAt sql.NullTime

	err := row.Scan(&task.ID, &task.Direction, &taskType, &status, &model, &command, &ctxJSON,
		&claimedBy, &claimedAt, &startedAt, &task.CreatedAt, &updatedAt,
		&output, &task.ProgressPct, &currentStep, &decisionPrompt, &decision)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	task.Type = domain.TaskType(taskType)
	task.Status = domain.TaskStatus(status)
	task.Model = model.String
	task.Command = command.String
	task.ClaimedBy = claimedBy.String
	task.Output = output.String
	task.CurrentStep = currentStep.String
	task.DecisionPrompt = decisionPrompt.String
	task.Decision = decision.String
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		task.UpdatedAt = &t
	}
	if ctxJSON.Valid && ctxJSON.String != "" && ctxJSON.String != "null" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &task.Context); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func scanTaskRows(rows *sql.Rows) (*domain.Task, error) {
	return scanTask(rows)
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
