// Package store persists task instances. The PostgreSQL implementation is
// the production store; the in-memory implementation backs tests and the
// single-process local mode.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so the store can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres implements schemas.TaskStore on a pgx connection pool. All task
// mutations funnel through CommitTransition and Touch; CommitTransition
// performs the compare-and-set on (id, state) that makes concurrent ticks
// safe.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres verifies connectivity and returns the store.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store")}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
    id                   TEXT PRIMARY KEY,
    mission_type         TEXT NOT NULL,
    state                TEXT NOT NULL,
    title                TEXT NOT NULL,
    description          TEXT NOT NULL DEFAULT '',
    config               JSONB NOT NULL DEFAULT '{}',
    assignees            JSONB NOT NULL DEFAULT '[]',
    history              JSONB NOT NULL DEFAULT '[]',
    consecutive_failures INT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL,
    last_activity_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state, last_activity_at);
`

// Migrate creates the tasks table when missing.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply task schema: %w", err)
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, task *schemas.TaskInstance) error {
	config, assignees, history, err := marshalTask(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO tasks (id, mission_type, state, title, description, config, assignees, history, consecutive_failures, created_at, last_activity_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.MissionType, task.State, task.Title, task.Description,
		config, assignees, history, task.ConsecutiveFailures,
		task.CreatedAt.UTC(), task.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	s.log.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("mission", task.MissionType),
		zap.String("state", task.State))
	return nil
}

const selectColumns = `id, mission_type, state, title, description, config, assignees, history, consecutive_failures, created_at, last_activity_at`

func (s *Postgres) Get(ctx context.Context, id string) (*schemas.TaskInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrNotFound
	}
	return task, err
}

func (s *Postgres) ListByStates(ctx context.Context, states []string, limit int) ([]*schemas.TaskInstance, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks WHERE state = ANY($1) ORDER BY last_activity_at ASC`
	args := []any{states}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

func (s *Postgres) ListForWorker(ctx context.Context, worker, role string, states []string, limit int) ([]*schemas.TaskInstance, error) {
	// An empty assignee set means the task is claimable by any worker of the
	// state's role.
	query := `SELECT ` + selectColumns + ` FROM tasks
        WHERE state = ANY($1) AND (assignees = '[]'::jsonb OR assignees @> to_jsonb($2::text))
        ORDER BY last_activity_at ASC`
	args := []any{states, worker}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

// CommitTransition is the single point where task state changes. The WHERE
// clause on (id, state) makes it a compare-and-set: when another tick already
// moved the task, zero rows match and the caller gets ErrConflict.
func (s *Postgres) CommitTransition(ctx context.Context, id, expectedState, newState string, assignees []string, entry schemas.HistoryEntry) error {
	assigneesJSON, err := json.Marshal(normalizeAssignees(assignees))
	if err != nil {
		return fmt.Errorf("failed to marshal assignees: %w", err)
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
        UPDATE tasks
        SET state = $1,
            assignees = $2,
            history = history || $3::jsonb,
            consecutive_failures = 0,
            last_activity_at = $4
        WHERE id = $5 AND state = $6`,
		newState, assigneesJSON, entryJSON, entry.At.UTC(), id, expectedState,
	)
	if err != nil {
		return fmt.Errorf("failed to commit transition for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, schemas.ErrNotFound) {
			return schemas.ErrNotFound
		}
		return schemas.ErrConflict
	}
	s.log.Info("transition committed",
		zap.String("task_id", id),
		zap.String("from", expectedState),
		zap.String("to", newState))
	return nil
}

func (s *Postgres) Touch(ctx context.Context, id string, entry *schemas.HistoryEntry, failures int) error {
	appendJSON := []byte(`[]`)
	if entry != nil {
		var err error
		if appendJSON, err = json.Marshal([]schemas.HistoryEntry{*entry}); err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
        UPDATE tasks
        SET history = history || $1::jsonb,
            consecutive_failures = CASE
                WHEN $2 < 0 THEN 0
                ELSE consecutive_failures + $2
            END,
            last_activity_at = NOW()
        WHERE id = $3`,
		appendJSON, failures, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.ErrNotFound
	}
	return nil
}

func (s *Postgres) list(ctx context.Context, query string, args ...any) ([]*schemas.TaskInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schemas.TaskInstance
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during task row iteration: %w", err)
	}
	return tasks, nil
}

func marshalTask(task *schemas.TaskInstance) (config, assignees, history []byte, err error) {
	if config, err = json.Marshal(task.Config); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if assignees, err = json.Marshal(normalizeAssignees(task.Assignees)); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal assignees: %w", err)
	}
	if history, err = json.Marshal(task.History); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	return config, assignees, history, nil
}

// normalizeAssignees keeps the stored JSONB an array, never null.
func normalizeAssignees(assignees []string) []string {
	if assignees == nil {
		return []string{}
	}
	if len(assignees) > schemas.MaxAssignees {
		return assignees[:schemas.MaxAssignees]
	}
	return assignees
}

func scanTask(row pgx.Row) (*schemas.TaskInstance, error) {
	var (
		task      schemas.TaskInstance
		config    []byte
		assignees []byte
		history   []byte
	)
	err := row.Scan(
		&task.ID, &task.MissionType, &task.State, &task.Title, &task.Description,
		&config, &assignees, &history, &task.ConsecutiveFailures,
		&task.CreatedAt, &task.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}
	if err := json.Unmarshal(config, &task.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal(assignees, &task.Assignees); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignees for task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal(history, &task.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history for task %s: %w", task.ID, err)
	}
	return &task, nil
}
