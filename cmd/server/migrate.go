package main

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-conversation-backend/internal/repo"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := repo.Open(a.cfg.DBDriver, a.cfg.DSN())
			if err != nil {
				return err
			}
			if err := repo.AutoMigrate(db); err != nil {
				return err
			}
			log.Info().Str("driver", a.cfg.DBDriver).Msg("schema up to date")
			return nil
		},
	}
}

func newPurgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired idempotency records once and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := repo.Open(a.cfg.DBDriver, a.cfg.DSN())
			if err != nil {
				return err
			}
			n, err := repo.PurgeExpiredIdempotency(cmd.Context(), db, time.Now().UTC())
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Msg("expired idempotency records purged")
			return nil
		},
	}
}
