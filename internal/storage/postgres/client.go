// internal/storage/postgres/client.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	_ "github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS pipeline_tasks (
		id                  TEXT PRIMARY KEY,
		pipeline            TEXT NOT NULL,
		status              TEXT NOT NULL,
		current_stage_index INTEGER NOT NULL DEFAULT 0,
		total_stages        INTEGER NOT NULL,
		input               JSONB NOT NULL,
		stage_results       JSONB NOT NULL DEFAULT '[]',
		error_info          JSONB,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		completed_at        TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_tasks_status ON pipeline_tasks (status);
	CREATE INDEX IF NOT EXISTS idx_pipeline_tasks_pipeline ON pipeline_tasks (pipeline);`

const selectColumns = `
	SELECT id, pipeline, status, current_stage_index, total_stages,
		input, stage_results, error_info, created_at, updated_at, completed_at
	FROM pipeline_tasks`

// Client is a TaskStore backed by PostgreSQL. Updates lock the task row
// with SELECT ... FOR UPDATE. Start-up recovery treats every unfinished task
// as its own, so one orchestrator owns the table at a time.
type Client struct {
	db *sql.DB
}

var _ storage.TaskStore = (*Client)(nil)

func NewClient(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err = db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Create(ctx context.Context, pipeline string, input models.PipelineInput, totalStages int) (string, error) {
	task := models.NewTask(pipeline, input, totalStages)

	inputJSON, err := json.Marshal(task.Input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal input: %w", err)
	}

	query := `
		INSERT INTO pipeline_tasks
		(id, pipeline, status, current_stage_index, total_stages, input, stage_results, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, '[]', $6, $6)`

	_, err = c.db.ExecContext(ctx, query,
		task.ID,
		task.Pipeline,
		task.Status,
		task.TotalStages,
		string(inputJSON),
		task.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}
	return task.ID, nil
}

func (c *Client) Get(ctx context.Context, id string) (models.Task, error) {
	return scanTask(c.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id), id)
}

func (c *Client) Update(ctx context.Context, id string, fn models.Mutator) (models.Task, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanTask(tx.QueryRowContext(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return models.Task{}, err
	}

	next, err := storage.Apply(current, fn)
	if err != nil {
		return models.Task{}, err
	}

	results, err := json.Marshal(next.StageResults)
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to marshal stage results: %w", err)
	}
	var errorInfo any
	if next.Error != nil {
		data, err := json.Marshal(next.Error)
		if err != nil {
			return models.Task{}, fmt.Errorf("failed to marshal error info: %w", err)
		}
		errorInfo = string(data)
	}

	query := `
		UPDATE pipeline_tasks
		SET status = $1,
			current_stage_index = $2,
			stage_results = $3,
			error_info = $4,
			updated_at = $5,
			completed_at = $6
		WHERE id = $7`

	_, err = tx.ExecContext(ctx, query,
		next.Status,
		next.CurrentStageIndex,
		string(results),
		errorInfo,
		next.UpdatedAt,
		next.CompletedAt,
		id,
	)
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Task{}, fmt.Errorf("failed to commit task update: %w", err)
	}
	return next, nil
}

func (c *Client) List(ctx context.Context, filter storage.ListFilter) ([]models.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Pipeline != "" {
		args = append(args, filter.Pipeline)
		where = append(where, fmt.Sprintf("pipeline = $%d", len(args)))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner, id string) (models.Task, error) {
	var (
		task                   models.Task
		inputJSON, resultsJSON []byte
		errorJSON              []byte
		createdAt, updatedAt   time.Time
		completedAt            sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.Pipeline,
		&task.Status,
		&task.CurrentStageIndex,
		&task.TotalStages,
		&inputJSON,
		&resultsJSON,
		&errorJSON,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, storage.UnknownTask(id)
		}
		return models.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}

	if err := json.Unmarshal(inputJSON, &task.Input); err != nil {
		return models.Task{}, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &task.StageResults); err != nil {
		return models.Task{}, fmt.Errorf("failed to unmarshal stage results: %w", err)
	}
	if task.StageResults == nil {
		task.StageResults = []models.StageResult{}
	}
	if errorJSON != nil {
		task.Error = &models.ErrorInfo{}
		if err := json.Unmarshal(errorJSON, task.Error); err != nil {
			return models.Task{}, fmt.Errorf("failed to unmarshal error info: %w", err)
		}
	}

	task.CreatedAt = createdAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		task.CompletedAt = &ts
	}
	return task, nil
}
