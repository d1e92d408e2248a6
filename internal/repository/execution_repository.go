package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/maheshrc27/relayflow/internal/models"
)

type ExecutionRepository interface {
	Create(ctx context.Context, e *models.TaskExecution) error
	ListByTaskID(ctx context.Context, taskID int64, limit int) ([]*models.TaskExecution, error)
}

type executionRepository struct {
	db *sql.DB
}

func NewExecutionRepository(db *sql.DB) ExecutionRepository {
	return &executionRepository{db: db}
}

func (r *executionRepository) Create(ctx context.Context, e *models.TaskExecution) error {
	query := `
		INSERT INTO task_executions (
			id, task_id, user_id, source_account_id, target_account_id,
			original_content, transformed_content, status, error, executed_at, response_data
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`

	var response any
	if len(e.ResponseData) > 0 {
		response = []byte(e.ResponseData)
	}

	_, err := r.db.ExecContext(ctx, query, e.ID, e.TaskID, e.UserID, e.SourceAccountID, e.TargetAccountID,
		e.OriginalContent, e.TransformedContent, e.Status, e.Error, e.ExecutedAt, response)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *executionRepository) ListByTaskID(ctx context.Context, taskID int64, limit int) ([]*models.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, task_id, user_id, source_account_id, target_account_id, original_content,
			transformed_content, status, COALESCE(error, ''), executed_at, response_data
		FROM task_executions
		WHERE task_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var executions []*models.TaskExecution
	for rows.Next() {
		var e models.TaskExecution
		var response []byte
		err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.SourceAccountID, &e.TargetAccountID, &e.OriginalContent,
			&e.TransformedContent, &e.Status, &e.Error, &e.ExecutedAt, &response)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		e.ResponseData = response
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}
