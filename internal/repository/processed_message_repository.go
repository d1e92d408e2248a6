package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/maheshrc27/relayflow/internal/models"
)

type ProcessedMessageRepository interface {
	// Register records the key and reports whether it was seen for the first time.
	Register(ctx context.Context, key models.ProcessedMessageKey) (bool, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

type processedMessageRepository struct {
	db *sql.DB
}

func NewProcessedMessageRepository(db *sql.DB) ProcessedMessageRepository {
	return &processedMessageRepository{db: db}
}

func (r *processedMessageRepository) Register(ctx context.Context, key models.ProcessedMessageKey) (bool, error) {
	query := `
		INSERT INTO processed_messages (account_id, chat_id, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, chat_id, message_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, key.AccountID, key.ChatID, key.MessageID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *processedMessageRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE created_at < $1`, olderThan)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return result.RowsAffected()
}
