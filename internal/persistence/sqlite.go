package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ethos/internal/core"
	"ethos/internal/logging"
)

// timeLayout is fixed-width so lexicographic ordering of the stored TEXT
// matches chronological ordering (RFC3339Nano trims trailing zeros).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite database file. The pool is
// capped at one connection, so transactions serialize naturally and WAL mode
// keeps readers cheap.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger logging.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger logging.Logger) (*SQLiteStore, error) {
	logger = logging.OrNop(logger)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("%s failed: %v", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("sqlite store ready at %s", path)
	return s, nil
}

// EnsureSchema creates the tables and indices when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	description    TEXT NOT NULL,
	status         TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	parent_task_id TEXT NOT NULL DEFAULT '',
	context_json   TEXT NOT NULL DEFAULT '{}',
	outcome        TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS thoughts (
	id                TEXT PRIMARY KEY,
	source_task_id    TEXT NOT NULL,
	parent_thought_id TEXT NOT NULL DEFAULT '',
	type              TEXT NOT NULL,
	status            TEXT NOT NULL,
	round_number      INTEGER NOT NULL DEFAULT 0,
	ponder_count      INTEGER NOT NULL DEFAULT 0,
	ponder_notes_json TEXT NOT NULL DEFAULT '[]',
	context_json      TEXT NOT NULL DEFAULT '{}',
	content           TEXT NOT NULL DEFAULT '',
	final_action_json TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thoughts_task ON thoughts(source_task_id);
CREATE INDEX IF NOT EXISTS idx_thoughts_status ON thoughts(status);

CREATE TABLE IF NOT EXISTS correlations (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	thought_id    TEXT NOT NULL DEFAULT '',
	service_type  TEXT NOT NULL,
	handler_name  TEXT NOT NULL DEFAULT '',
	action_type   TEXT NOT NULL,
	request_json  TEXT,
	response_json TEXT,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_correlations_task_action ON correlations(task_id, action_type, status);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- tasks ---

// AddTask persists a new task.
func (s *SQLiteStore) AddTask(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("add task: empty id")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("add task %s: invalid status %q", task.ID, task.Status)
	}
	ctxJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("add task %s: marshal context: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, status, priority, parent_task_id, context_json, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, string(task.Status), task.Priority, task.ParentTaskID,
		string(ctxJSON), task.Outcome, task.CreatedAt.UTC().Format(timeLayout), task.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("add task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, description, status, priority, parent_task_id, context_json, outcome, created_at, updated_at`

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// TaskExists reports whether a task id is present.
func (s *SQLiteStore) TaskExists(ctx context.Context, taskID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("task exists %s: %w", taskID, err)
	}
	return true, nil
}

// UpdateTaskStatus transitions a task unless it is already terminal. The
// prior status is returned either way; callers detect a skipped write with
// prior.IsTerminal().
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status core.TaskStatus, opts ...TaskUpdateOption) (core.TaskStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("update task %s: invalid status %q", taskID, status)
	}
	update := ApplyTaskUpdateOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("update task %s: begin: %w", taskID, err)
	}
	defer tx.Rollback()

	var priorRaw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&priorRaw)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("update task %s: %w", taskID, err)
	}
	prior := core.TaskStatus(priorRaw)
	if prior.IsTerminal() {
		return prior, nil
	}

	now := time.Now().UTC().Format(timeLayout)
	if update.Outcome != nil {
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, outcome = ?, updated_at = ? WHERE id = ?`,
			string(status), *update.Outcome, now, taskID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, taskID)
	}
	if err != nil {
		return "", fmt.Errorf("update task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("update task %s: commit: %w", taskID, err)
	}
	return prior, nil
}

// CountTasks counts tasks in the given status.
func (s *SQLiteStore) CountTasks(ctx context.Context, status core.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// PendingTasksForActivation returns pending tasks, highest priority first and
// oldest first within a priority.
func (s *SQLiteStore) PendingTasksForActivation(ctx context.Context, limit int) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`, string(core.TaskPending), limit)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ActiveTasksWithoutThoughts returns active tasks that have no pending or
// processing thought, so the manager can seed their next round.
func (s *SQLiteStore) ActiveTasksWithoutThoughts(ctx context.Context, limit int) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM thoughts th
			WHERE th.source_task_id = t.id AND th.status IN (?, ?)
		  )
		ORDER BY t.priority DESC, t.created_at ASC
		LIMIT ?`,
		string(core.TaskActive), string(core.ThoughtPending), string(core.ThoughtProcessing), limit)
	if err != nil {
		return nil, fmt.Errorf("active tasks without thoughts: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// --- thoughts ---

// AddThought persists a new thought.
func (s *SQLiteStore) AddThought(ctx context.Context, thought *core.Thought) error {
	if thought.ID == "" {
		return fmt.Errorf("add thought: empty id")
	}
	if !thought.Status.Valid() {
		return fmt.Errorf("add thought %s: invalid status %q", thought.ID, thought.Status)
	}
	ctxJSON, err := json.Marshal(thought.Context)
	if err != nil {
		return fmt.Errorf("add thought %s: marshal context: %w", thought.ID, err)
	}
	notesJSON, err := json.Marshal(thought.PonderNotes)
	if err != nil {
		return fmt.Errorf("add thought %s: marshal notes: %w", thought.ID, err)
	}
	var finalAction any
	if len(thought.FinalAction) > 0 {
		finalAction = string(thought.FinalAction)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thoughts (id, source_task_id, parent_thought_id, type, status, round_number,
			ponder_count, ponder_notes_json, context_json, content, final_action_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		thought.ID, thought.SourceTaskID, thought.ParentThoughtID, string(thought.Type), string(thought.Status),
		thought.RoundNumber, thought.PonderCount, string(notesJSON), string(ctxJSON), thought.Content,
		finalAction, thought.CreatedAt.UTC().Format(timeLayout), thought.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("add thought %s: %w", thought.ID, err)
	}
	return nil
}

const thoughtColumns = `id, source_task_id, parent_thought_id, type, status, round_number,
	ponder_count, ponder_notes_json, context_json, content, final_action_json, created_at, updated_at`

// GetThought retrieves a thought by id.
func (s *SQLiteStore) GetThought(ctx context.Context, thoughtID string) (*core.Thought, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+thoughtColumns+` FROM thoughts WHERE id = ?`, thoughtID)
	thought, err := scanThought(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thought %s: %w", thoughtID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thought %s: %w", thoughtID, err)
	}
	return thought, nil
}

// UpdateThoughtStatus transitions a thought unless it is already terminal.
// The prior status is returned either way.
func (s *SQLiteStore) UpdateThoughtStatus(ctx context.Context, thoughtID string, status core.ThoughtStatus, opts ...ThoughtUpdateOption) (core.ThoughtStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("update thought %s: invalid status %q", thoughtID, status)
	}
	update := ApplyThoughtUpdateOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("update thought %s: begin: %w", thoughtID, err)
	}
	defer tx.Rollback()

	var priorRaw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM thoughts WHERE id = ?`, thoughtID).Scan(&priorRaw)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("thought %s: %w", thoughtID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("update thought %s: %w", thoughtID, err)
	}
	prior := core.ThoughtStatus(priorRaw)
	if prior.IsTerminal() {
		return prior, nil
	}

	now := time.Now().UTC().Format(timeLayout)
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), now}
	if len(update.FinalAction) > 0 {
		sets = append(sets, "final_action_json = ?")
		args = append(args, string(update.FinalAction))
	}
	if update.PonderCount != nil {
		notesJSON, err := json.Marshal(update.PonderNotes)
		if err != nil {
			return "", fmt.Errorf("update thought %s: marshal notes: %w", thoughtID, err)
		}
		sets = append(sets, "ponder_count = ?", "ponder_notes_json = ?")
		args = append(args, *update.PonderCount, string(notesJSON))
	}
	args = append(args, thoughtID)

	if _, err := tx.ExecContext(ctx, `UPDATE thoughts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return "", fmt.Errorf("update thought %s: %w", thoughtID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("update thought %s: commit: %w", thoughtID, err)
	}
	return prior, nil
}

// ClaimPendingThought atomically moves a pending thought to processing.
// A missing id counts as a lost claim, not an error.
func (s *SQLiteStore) ClaimPendingThought(ctx context.Context, thoughtID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE thoughts SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(core.ThoughtProcessing), time.Now().UTC().Format(timeLayout), thoughtID, string(core.ThoughtPending))
	if err != nil {
		return false, fmt.Errorf("claim thought %s: %w", thoughtID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim thought %s: %w", thoughtID, err)
	}
	return n == 1, nil
}

// PendingThoughts returns pending thoughts, oldest first.
func (s *SQLiteStore) PendingThoughts(ctx context.Context, limit int) ([]*core.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+thoughtColumns+` FROM thoughts
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, string(core.ThoughtPending), limit)
	if err != nil {
		return nil, fmt.Errorf("pending thoughts: %w", err)
	}
	defer rows.Close()
	return collectThoughts(rows)
}

// ThoughtsByTask returns every thought belonging to a task, oldest first.
func (s *SQLiteStore) ThoughtsByTask(ctx context.Context, taskID string) ([]*core.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+thoughtColumns+` FROM thoughts
		WHERE source_task_id = ?
		ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("thoughts by task %s: %w", taskID, err)
	}
	defer rows.Close()
	return collectThoughts(rows)
}

// DeleteThoughtsByStatus removes a task's thoughts in the given statuses.
func (s *SQLiteStore) DeleteThoughtsByStatus(ctx context.Context, taskID string, statuses ...core.ThoughtStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := []any{taskID}
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM thoughts
		WHERE source_task_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete thoughts for %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete thoughts for %s: %w", taskID, err)
	}
	return int(n), nil
}

// --- correlations ---

// AddCorrelation persists a new service correlation.
func (s *SQLiteStore) AddCorrelation(ctx context.Context, corr *core.Correlation) error {
	if corr.ID == "" {
		return fmt.Errorf("add correlation: empty id")
	}
	var request, response any
	if len(corr.RequestData) > 0 {
		request = string(corr.RequestData)
	}
	if len(corr.ResponseData) > 0 {
		response = string(corr.ResponseData)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlations (id, task_id, thought_id, service_type, handler_name, action_type,
			request_json, response_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		corr.ID, corr.TaskID, corr.ThoughtID, corr.ServiceType, corr.HandlerName, corr.ActionType,
		request, response, string(corr.Status),
		corr.CreatedAt.UTC().Format(timeLayout), corr.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("add correlation %s: %w", corr.ID, err)
	}
	return nil
}

// UpdateCorrelationStatus finalizes a correlation with its response payload.
func (s *SQLiteStore) UpdateCorrelationStatus(ctx context.Context, correlationID string, status core.CorrelationStatus, response json.RawMessage) error {
	var responseVal any
	if len(response) > 0 {
		responseVal = string(response)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE correlations SET status = ?, response_json = ?, updated_at = ? WHERE id = ?`,
		string(status), responseVal, time.Now().UTC().Format(timeLayout), correlationID)
	if err != nil {
		return fmt.Errorf("update correlation %s: %w", correlationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update correlation %s: %w", correlationID, err)
	}
	if n == 0 {
		return fmt.Errorf("correlation %s: %w", correlationID, ErrNotFound)
	}
	return nil
}

// CorrelationsByTaskAndAction returns a task's correlations for one action
// type in the given status, oldest first.
func (s *SQLiteStore) CorrelationsByTaskAndAction(ctx context.Context, taskID, actionType string, status core.CorrelationStatus) ([]*core.Correlation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, thought_id, service_type, handler_name, action_type,
			request_json, response_json, status, created_at, updated_at
		FROM correlations
		WHERE task_id = ? AND action_type = ? AND status = ?
		ORDER BY created_at ASC`, taskID, actionType, string(status))
	if err != nil {
		return nil, fmt.Errorf("correlations for %s/%s: %w", taskID, actionType, err)
	}
	defer rows.Close()

	var out []*core.Correlation
	for rows.Next() {
		var (
			corr               core.Correlation
			request, response  sql.NullString
			createdAt, updated string
		)
		if err := rows.Scan(&corr.ID, &corr.TaskID, &corr.ThoughtID, &corr.ServiceType, &corr.HandlerName,
			&corr.ActionType, &request, &response, &corr.Status, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("scan correlation: %w", err)
		}
		if request.Valid {
			corr.RequestData = json.RawMessage(request.String)
		}
		if response.Valid {
			corr.ResponseData = json.RawMessage(response.String)
		}
		if corr.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if corr.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, &corr)
	}
	return out, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*core.Task, error) {
	var (
		task               core.Task
		status, ctxJSON    string
		createdAt, updated string
	)
	err := row.Scan(&task.ID, &task.Description, &status, &task.Priority, &task.ParentTaskID,
		&ctxJSON, &task.Outcome, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	task.Status = core.TaskStatus(status)
	if err := json.Unmarshal([]byte(ctxJSON), &task.Context); err != nil {
		return nil, fmt.Errorf("unmarshal task context: %w", err)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var out []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanThought(row rowScanner) (*core.Thought, error) {
	var (
		thought              core.Thought
		thoughtType, status  string
		notesJSON, ctxJSON   string
		finalAction          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&thought.ID, &thought.SourceTaskID, &thought.ParentThoughtID, &thoughtType, &status,
		&thought.RoundNumber, &thought.PonderCount, &notesJSON, &ctxJSON, &thought.Content,
		&finalAction, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	thought.Type = core.ThoughtType(thoughtType)
	thought.Status = core.ThoughtStatus(status)
	if err := json.Unmarshal([]byte(notesJSON), &thought.PonderNotes); err != nil {
		return nil, fmt.Errorf("unmarshal ponder notes: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &thought.Context); err != nil {
		return nil, fmt.Errorf("unmarshal thought context: %w", err)
	}
	if finalAction.Valid {
		thought.FinalAction = json.RawMessage(finalAction.String)
	}
	if thought.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if thought.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &thought, nil
}

func collectThoughts(rows *sql.Rows) ([]*core.Thought, error) {
	var out []*core.Thought
	for rows.Next() {
		thought, err := scanThought(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thought: %w", err)
		}
		out = append(out, thought)
	}
	return out, rows.Err()
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", value, err)
	}
	return t, nil
}
