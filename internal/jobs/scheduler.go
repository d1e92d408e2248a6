// Package job holds the periodic maintenance work of the relay worker.
package job

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron"
)

const (
	TokenRefreshSchedule = "@every 00h10m00s"
	CleanupSchedule      = "@every 01h00m00s"
)

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(tokens *TokenRefreshJob, cleanup *CleanupJob, logger *slog.Logger) (*Scheduler, error) {
	c := cron.New()
	if err := c.AddFunc(TokenRefreshSchedule, tokens.RefreshTokens); err != nil {
		return nil, fmt.Errorf("schedule token refresh: %w", err)
	}
	if err := c.AddFunc(CleanupSchedule, cleanup.PruneMarkers); err != nil {
		return nil, fmt.Errorf("schedule processed cleanup: %w", err)
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron jobs started", "entries", len(s.cron.Entries()))
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}
