package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/testrun/state"
)

func migrateCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := rf.dsnOrErr()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			db, err := openDB(ctx, dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := state.NewStore(db).ApplyMigrations(ctx)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d migrations applied\n", len(applied))
			return nil
		},
	}
}
