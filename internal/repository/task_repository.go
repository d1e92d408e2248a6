package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/maheshrc27/relayflow/internal/models"
)

type TaskRepository interface {
	GetByID(ctx context.Context, id int64) (*models.AutomationTask, error)
	ListAll(ctx context.Context) ([]*models.AutomationTask, error)
	UpdateStats(ctx context.Context, id int64, stats models.TaskStatsUpdate) error
}

type taskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `id, user_id, name, source_accounts, target_accounts, status, filters, transformations,
	execution_count, failure_count, last_executed, last_error, created_at, updated_at`

func scanTask(row rowScanner) (*models.AutomationTask, error) {
	var t models.AutomationTask
	var sources, targets pq.Int64Array
	var filters, transformations []byte
	var lastExecuted sql.NullTime
	var lastError sql.NullString

	err := row.Scan(&t.ID, &t.UserID, &t.Name, &sources, &targets, &t.Status, &filters, &transformations,
		&t.ExecutionCount, &t.FailureCount, &lastExecuted, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.SourceAccounts = []int64(sources)
	t.TargetAccounts = []int64(targets)
	if lastExecuted.Valid {
		t.LastExecuted = &lastExecuted.Time
	}
	t.LastError = lastError.String

	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &t.Filters); err != nil {
			return nil, fmt.Errorf("task %d: decode filters: %w", t.ID, err)
		}
	}
	if len(transformations) > 0 {
		if err := json.Unmarshal(transformations, &t.Transformations); err != nil {
			return nil, fmt.Errorf("task %d: decode transformations: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (r *taskRepository) GetByID(ctx context.Context, id int64) (*models.AutomationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM automation_tasks WHERE id = $1`
	t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		slog.Info(err.Error())
		return nil, err
	}
	return t, nil
}

func (r *taskRepository) ListAll(ctx context.Context) ([]*models.AutomationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM automation_tasks ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.AutomationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			slog.Warn("skipping automation task", "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) UpdateStats(ctx context.Context, id int64, stats models.TaskStatsUpdate) error {
	query := `
		UPDATE automation_tasks
		SET execution_count = execution_count + $2,
			failure_count = failure_count + $3,
			last_executed = $4,
			last_error = NULLIF($5, ''),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, stats.Executions, stats.Failures, stats.LastExecuted, stats.LastError)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
