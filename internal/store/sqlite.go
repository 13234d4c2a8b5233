package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting SQLiteStore's
// statement methods run unchanged whether bound to the pool or to a single
// transaction opened by WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on an embedded, write-ahead-logged SQLite
// file via the pure-Go modernc.org/sqlite driver.
type SQLiteStore struct {
	db *sql.DB
	q  execer
}

// NewSQLiteStore opens path (creating it if absent), enables WAL journaling
// and a busy timeout so concurrent callers queue instead of erroring, and
// applies the schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // a single writer per file avoids SQLITE_BUSY under WAL

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			owner_agent_id TEXT,
			parent_task_id TEXT,
			input TEXT NOT NULL DEFAULT '',
			expected_output TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			required_capabilities TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on_id),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
			FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS agent_capabilities (
			agent_id TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '{}',
			success_rate TEXT NOT NULL DEFAULT '{}',
			total_completed INTEGER NOT NULL DEFAULT 0,
			total_failed INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle. Do not call on a Store
// passed into a WithTx callback.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) InsertTask(ctx context.Context, t *Task) error {
	reqCaps, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal required capabilities: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `INSERT INTO tasks (
		id, title, description, status, priority, owner_agent_id, parent_task_id,
		input, expected_output, acceptance_criteria, required_capabilities,
		version, retry_count, max_retries, timeout_ms, error_message,
		created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority, t.OwnerAgentID, t.ParentTaskID,
		t.Input, t.ExpectedOutput, t.AcceptanceCriteria, string(reqCaps),
		t.Version, t.RetryCount, t.MaxRetries, t.TimeoutMs, t.ErrorMessage,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	if len(t.DependsOn) > 0 {
		if err := s.addDependencies(ctx, t.ID, t.DependsOn); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AddDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	return s.addDependencies(ctx, taskID, dependsOn)
}

func (s *SQLiteStore) addDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	for _, dep := range dependsOn {
		if _, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`,
			taskID, dep); err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", taskID, dep, err)
		}
	}
	return nil
}

func (s *SQLiteStore) getDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (s *SQLiteStore) GetDependents(ctx context.Context, dependsOnID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_id = ?`, dependsOnID)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func scanTaskRow(row interface {
	Scan(dest ...any) error
}) (*Task, error) {
	var t Task
	var status string
	var reqCaps string
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &status, &t.Priority, &t.OwnerAgentID, &t.ParentTaskID,
		&t.Input, &t.ExpectedOutput, &t.AcceptanceCriteria, &reqCaps,
		&t.Version, &t.RetryCount, &t.MaxRetries, &t.TimeoutMs, &t.ErrorMessage,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(reqCaps), &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("unmarshal required capabilities: %w", err)
	}
	return &t, nil
}

const taskColumns = `id, title, description, status, priority, owner_agent_id, parent_task_id,
		input, expected_output, acceptance_criteria, required_capabilities,
		version, retry_count, max_retries, timeout_ms, error_message,
		created_at, updated_at, completed_at`

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	deps, err := s.getDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

func (s *SQLiteStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if len(filter.Status) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Status)) + `)`
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.Unowned {
		query += ` AND owner_agent_id IS NULL`
	} else if filter.OwnerAgentID != nil {
		query += ` AND owner_agent_id = ?`
		args = append(args, *filter.OwnerAgentID)
	}
	if filter.ParentTaskID != nil {
		query += ` AND parent_task_id = ?`
		args = append(args, *filter.ParentTaskID)
	}
	if filter.Unblocked {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM task_dependencies td
			JOIN tasks dep ON dep.id = td.depends_on_id
			WHERE td.task_id = tasks.id AND dep.status <> 'completed'
		)`
	}

	query += ` ORDER BY priority ASC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	var ids []string
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		deps, err := s.getDependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}

	if filter.RequiredCapability != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			for _, c := range t.RequiredCapabilities {
				if c == filter.RequiredCapability {
					filtered = append(filtered, t)
					break
				}
			}
		}
		tasks = filtered
	}

	return tasks, nil
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func (s *SQLiteStore) UpdateTaskGuarded(ctx context.Context, t *Task, expectedVersion int) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE tasks SET
		status = ?, priority = ?, owner_agent_id = ?, retry_count = ?,
		error_message = ?, updated_at = ?, completed_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(t.Status), t.Priority, t.OwnerAgentID, t.RetryCount,
		t.ErrorMessage, t.UpdatedAt, t.CompletedAt, t.Version,
		t.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update task guarded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) CountActiveTasks(ctx context.Context) (int, error) {
	row := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status NOT IN ('completed', 'cancelled')`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpsertCapabilityProfile(ctx context.Context, p *CapabilityProfile) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	rates, err := json.Marshal(p.SuccessRate)
	if err != nil {
		return fmt.Errorf("marshal success rate: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `INSERT OR REPLACE INTO agent_capabilities
		(agent_id, capabilities, success_rate, total_completed, total_failed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.AgentID, string(caps), string(rates), p.TotalCompleted, p.TotalFailed, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert capability profile: %w", err)
	}
	return nil
}

func scanProfileRow(row interface {
	Scan(dest ...any) error
}) (*CapabilityProfile, error) {
	var p CapabilityProfile
	var caps, rates string
	if err := row.Scan(&p.AgentID, &caps, &rates, &p.TotalCompleted, &p.TotalFailed, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(rates), &p.SuccessRate); err != nil {
		return nil, fmt.Errorf("unmarshal success rate: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetCapabilityProfile(ctx context.Context, agentID string) (*CapabilityProfile, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT agent_id, capabilities, success_rate, total_completed, total_failed, updated_at
		 FROM agent_capabilities WHERE agent_id = ?`, agentID)
	p, err := scanProfileRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capability profile: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetAllCapabilityProfiles(ctx context.Context) ([]*CapabilityProfile, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT agent_id, capabilities, success_rate, total_completed, total_failed, updated_at
		 FROM agent_capabilities`)
	if err != nil {
		return nil, fmt.Errorf("query capability profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*CapabilityProfile
	for rows.Next() {
		p, err := scanProfileRow(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *SQLiteStore) ClearAll(ctx context.Context) (int, error) {
	n, err := s.CountActiveTasksAll(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM agent_capabilities`); err != nil {
		return 0, fmt.Errorf("clear capability profiles: %w", err)
	}
	return n, nil
}

// CountActiveTasksAll counts every task row regardless of status, used by
// ClearAll to report how many rows were deleted.
func (s *SQLiteStore) CountActiveTasksAll(ctx context.Context) (int, error) {
	row := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
