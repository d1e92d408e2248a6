package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	config "github.com/maheshrc27/relayflow/configs"
	"github.com/maheshrc27/relayflow/internal/logging"
)

// cli carries what every command needs after the root pre-run.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "relayflow-worker",
		Short:         "Relay new Telegram and Twitter posts to connected accounts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
			}
			c.cfg = config.LoadConfig()

			logger, err := logging.New(c.cfg.LogLevel, c.cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			c.logger = logger
			return nil
		},
	}

	cmd.AddCommand(newRunCmd(c))
	cmd.AddCommand(newSyncRulesCmd(c))
	cmd.AddCommand(newCleanupCmd(c))
	cmd.AddCommand(newSignalCmd(c))
	return cmd
}

func openDB(ctx context.Context, uri string) (*sql.DB, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database is unreachable: %w", err)
	}
	return db, nil
}

func closeDB(db *sql.DB, logger *slog.Logger) {
	if err := db.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
		return
	}
	logger.Info("database connection closed")
}
