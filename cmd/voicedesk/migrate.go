package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicedesk/internal/app"
	"github.com/MrWong99/voicedesk/internal/config"
)

func newMigrateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cfg.Store.Backend == config.StoreMemory {
				fmt.Fprintln(cmd.OutOrStdout(), "memory store has no schema; nothing to migrate")
				return nil
			}
			// Opening a persistent store applies pending migrations.
			st, err := app.OpenStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", cfg.Store.Backend)
			return nil
		},
	}
}
