package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	job "github.com/maheshrc27/relayflow/internal/jobs"
	"github.com/maheshrc27/relayflow/internal/listener"
	"github.com/maheshrc27/relayflow/internal/queue"
	"github.com/maheshrc27/relayflow/internal/repository"
	"github.com/maheshrc27/relayflow/internal/service"
)

func newSyncRulesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-rules",
		Short: "Reconcile the Twitter filtered stream rules with the active tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Twitter.BearerToken == "" {
				return errors.New("TWITTER_BEARER_TOKEN is not set")
			}
			db, err := openDB(cmd.Context(), c.cfg.PostgresURI)
			if err != nil {
				return err
			}
			defer closeDB(db, c.logger)

			stream := listener.NewTwitterStream(listener.TwitterStreamOptions{
				API:      service.NewTwitterStreamAPI(nil, "", c.cfg.Twitter.BearerToken),
				Accounts: repository.NewSocialAccountRepository(db),
				Tasks:    repository.NewTaskRepository(db),
				Logger:   c.logger,
			})
			return stream.SyncRules(cmd.Context())
		},
	}
}

func newCleanupCmd(c *cli) *cobra.Command {
	var (
		ttl           time.Duration
		refreshTokens bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune processed message markers and optionally refresh expiring tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context(), c.cfg.PostgresURI)
			if err != nil {
				return err
			}
			defer closeDB(db, c.logger)

			if ttl <= 0 {
				ttl = c.cfg.ProcessedMessageTTL
			}
			n, err := job.NewCleanupJob(repository.NewProcessedMessageRepository(db), ttl, c.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d processed markers\n", n)

			if !refreshTokens {
				return nil
			}
			platforms := service.NewPlatformService(c.cfg, c.logger)
			refreshed, err := job.NewTokenRefreshJob(repository.NewSocialAccountRepository(db), platforms, c.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d tokens\n", refreshed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Prune markers older than this (defaults to PROCESSED_MESSAGE_TTL).")
	cmd.Flags().BoolVar(&refreshTokens, "refresh-tokens", false, "Also refresh target tokens that expire soon.")
	return cmd
}

func newSignalCmd(c *cli) *cobra.Command {
	var payload queue.RefreshPayload
	cmd := &cobra.Command{
		Use:       "signal [refresh|sync-rules]",
		Short:     "Ask a running worker to refresh its listeners or stream rules",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"refresh", "sync-rules"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := asynq.NewClient(asynq.RedisClientOpt{Addr: c.cfg.RedisURI})
			defer client.Close()

			if payload.Reason == "" {
				payload.Reason = "cli"
			}
			switch args[0] {
			case "refresh":
				return queue.EnqueueRefresh(client, payload)
			case "sync-rules":
				return queue.EnqueueSyncRules(client, payload)
			default:
				return fmt.Errorf("unknown signal %q", args[0])
			}
		},
	}
	cmd.Flags().Int64Var(&payload.AccountID, "account", 0, "Account that changed.")
	cmd.Flags().Int64Var(&payload.TaskID, "task", 0, "Task that changed.")
	cmd.Flags().StringVar(&payload.Reason, "reason", "", "Free-form reason recorded in the worker log.")
	return cmd
}
