package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/relayflow/internal/repository"
)

// CleanupJob prunes processed message markers older than the TTL.
type CleanupJob struct {
	processed repository.ProcessedMessageRepository
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewCleanupJob(processed repository.ProcessedMessageRepository, ttl time.Duration, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		processed: processed,
		ttl:       ttl,
		logger:    logger.With("job", "processed_cleanup"),
		now:       time.Now,
	}
}

func (j *CleanupJob) PruneMarkers() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("processed marker cleanup failed", "error", err)
	}
}

func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.ttl)
	n, err := j.processed.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed markers: %w", err)
	}
	j.logger.Info("processed markers pruned", "deleted", n, "older_than", cutoff)
	return n, nil
}
