package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/relayflow/internal/listener"
	"github.com/maheshrc27/relayflow/internal/queue"
)

type TelegramStatus interface {
	Sessions() []listener.SessionStatus
	Refresh(ctx context.Context) error
}

type StreamStatus interface {
	Status() listener.StreamStatus
	SyncRules(ctx context.Context) error
}

type QueueStatus interface {
	Stats() queue.Stats
}

// RelayHandler serves the worker's operational endpoints. Any listener may
// be nil when its platform is disabled.
type RelayHandler struct {
	telegram TelegramStatus
	twitter  StreamStatus
	queue    QueueStatus
	logger   *slog.Logger
	started  time.Time
}

func NewRelayHandler(telegram TelegramStatus, twitter StreamStatus, q QueueStatus, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{
		telegram: telegram,
		twitter:  twitter,
		queue:    q,
		logger:   logger,
		started:  time.Now(),
	}
}

func (h *RelayHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

type statusResponse struct {
	Telegram []listener.SessionStatus `json:"telegram"`
	Twitter  *listener.StreamStatus   `json:"twitter,omitempty"`
	Queue    queue.Stats              `json:"queue"`
}

func (h *RelayHandler) Status(c *fiber.Ctx) error {
	resp := statusResponse{Telegram: []listener.SessionStatus{}}
	if h.telegram != nil {
		resp.Telegram = h.telegram.Sessions()
	}
	if h.twitter != nil {
		s := h.twitter.Status()
		resp.Twitter = &s
	}
	if h.queue != nil {
		resp.Queue = h.queue.Stats()
	}
	return c.JSON(resp)
}

// Refresh reconciles the listeners with the store right away.
func (h *RelayHandler) Refresh(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), time.Minute)
	defer cancel()

	var errs []error
	if h.telegram != nil {
		if err := h.telegram.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.twitter != nil {
		if err := h.twitter.SyncRules(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Error("manual refresh failed", "subject", GetSubject(c), "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	h.logger.Info("listeners refreshed on request", "subject", GetSubject(c))
	return c.JSON(fiber.Map{"refreshed": true})
}
