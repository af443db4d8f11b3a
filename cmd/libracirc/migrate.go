package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"libracirc/internal/journal"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the circulation journal schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Journal.Driver == "" {
				return errors.New("no journal driver configured; set LIBRACIRC_JOURNAL_DRIVER")
			}

			store, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate journal: %w", err)
			}
			logger.Info("journal schema ready", "driver", cfg.Journal.Driver)
			return nil
		},
	}
}
