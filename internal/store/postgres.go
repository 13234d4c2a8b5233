package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL, for deployments that
// centralize orchestrator state outside a single embedded file.
type PostgresStore struct {
	db *sql.DB
	q  execer
}

// NewPostgresStore opens dsn and applies the schema migration.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}

	s := &PostgresStore{db: db, q: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on_id)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_capabilities (
			agent_id TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '{}',
			success_rate TEXT NOT NULL DEFAULT '{}',
			total_completed INTEGER NOT NULL DEFAULT 0,
			total_failed INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &PostgresStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) InsertTask(ctx context.Context, t *Task) error {
	reqCaps, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal required capabilities: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `INSERT INTO tasks (
		id, title, description, status, priority, owner_agent_id, parent_task_id,
		input, expected_output, acceptance_criteria, required_capabilities,
		version, retry_count, max_retries, timeout_ms, error_message,
		created_at, updated_at, completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
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

func (s *PostgresStore) AddDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	return s.addDependencies(ctx, taskID, dependsOn)
}

func (s *PostgresStore) addDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	for _, dep := range dependsOn {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			taskID, dep); err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", taskID, dep, err)
		}
	}
	return nil
}

func (s *PostgresStore) getDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = $1`, taskID)
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

func (s *PostgresStore) GetDependents(ctx context.Context, dependsOnID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_id = $1`, dependsOnID)
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

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
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

func (s *PostgresStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}

	if len(filter.Status) > 0 {
		ph := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			ph[i] = next()
			args = append(args, string(st))
		}
		query += ` AND status IN (` + joinPlaceholders(ph) + `)`
	}
	if filter.Unowned {
		query += ` AND owner_agent_id IS NULL`
	} else if filter.OwnerAgentID != nil {
		query += ` AND owner_agent_id = ` + next()
		args = append(args, *filter.OwnerAgentID)
	}
	if filter.ParentTaskID != nil {
		query += ` AND parent_task_id = ` + next()
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
	query += ` LIMIT ` + next()
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
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

func joinPlaceholders(ph []string) string {
	out := ""
	for i, p := range ph {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (s *PostgresStore) UpdateTaskGuarded(ctx context.Context, t *Task, expectedVersion int) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE tasks SET
		status = $1, priority = $2, owner_agent_id = $3, retry_count = $4,
		error_message = $5, updated_at = $6, completed_at = $7, version = $8
		WHERE id = $9 AND version = $10`,
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

func (s *PostgresStore) CountActiveTasks(ctx context.Context) (int, error) {
	row := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status NOT IN ('completed', 'cancelled')`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpsertCapabilityProfile(ctx context.Context, p *CapabilityProfile) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	rates, err := json.Marshal(p.SuccessRate)
	if err != nil {
		return fmt.Errorf("marshal success rate: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `INSERT INTO agent_capabilities
		(agent_id, capabilities, success_rate, total_completed, total_failed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			capabilities = $2, success_rate = $3, total_completed = $4,
			total_failed = $5, updated_at = $6`,
		p.AgentID, string(caps), string(rates), p.TotalCompleted, p.TotalFailed, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert capability profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCapabilityProfile(ctx context.Context, agentID string) (*CapabilityProfile, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT agent_id, capabilities, success_rate, total_completed, total_failed, updated_at
		 FROM agent_capabilities WHERE agent_id = $1`, agentID)
	p, err := scanProfileRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capability profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetAllCapabilityProfiles(ctx context.Context) ([]*CapabilityProfile, error) {
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

func (s *PostgresStore) ClearAll(ctx context.Context) (int, error) {
	row := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM agent_capabilities`); err != nil {
		return 0, fmt.Errorf("clear capability profiles: %w", err)
	}
	return n, nil
}
