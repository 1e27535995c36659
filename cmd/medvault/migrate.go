package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/logger"
)

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the patients and ehr_records tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel)

			db, err := database.NewConnection(cmd.Context(), &cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.CreateSchema(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}
