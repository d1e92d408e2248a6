// Package api exposes the worker's health, status and metrics over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/maheshrc27/relayflow/internal/api/handlers"
	"github.com/maheshrc27/relayflow/internal/api/middleware"
)

type Options struct {
	SecretKey string
	Relay     *handlers.RelayHandler
	Metrics   http.Handler
	Logger    *slog.Logger
}

func NewApp(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "relayflow-worker",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/healthz", opts.Relay.Health)
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	authMiddleware := middleware.NewAuthMiddleware(opts.SecretKey, opts.Logger)
	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	api.Get("/relay/status", opts.Relay.Status)
	api.Post("/relay/refresh", opts.Relay.Refresh)

	return app
}
