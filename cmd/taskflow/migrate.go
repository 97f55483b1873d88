package main

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/queue"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Migrate creates or upgrades the libSQL schema and, with the postgres queue backend, the queue table.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			a.logger.Info("store migrated", "db_path", a.cfg.DBPath)

			if a.cfg.Queue.Backend != "postgres" {
				return nil
			}
			pool, err := pgxpool.New(ctx, a.cfg.Queue.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := queue.NewPostgresQueue(pool, queue.Config{}).EnsureSchema(ctx); err != nil {
				return err
			}
			a.logger.Info("queue schema ensured", "backend", "postgres")
			return nil
		},
	}
}
