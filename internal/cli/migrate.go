package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentpulse/internal/storage"
)

var migrateTarget int64

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the storage schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, logger := loadConfig()
		st, err := openStore(cmd.Context(), manager.Get(), logger, true)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator, closeFn, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		states, err := migrator.MigrationStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, s := range states {
			state := "pending"
			if s.Applied {
				state = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%05d  %-28s %s\n", s.Version, s.Path, state)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration, or down to --to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator, closeFn, err := openMigrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		if err := migrator.MigrateDown(cmd.Context(), migrateTarget); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Rollback complete.")
		return nil
	},
}

func openMigrator(cmd *cobra.Command) (storage.Migrator, func(), error) {
	manager, logger := loadConfig()
	st, err := openStore(cmd.Context(), manager.Get(), logger, false)
	if err != nil {
		return nil, nil, err
	}
	migrator, ok := st.(storage.Migrator)
	if !ok {
		_ = st.Close()
		return nil, nil, fmt.Errorf("storage driver does not support migrations")
	}
	return migrator, func() { _ = st.Close() }, nil
}

func init() {
	migrateDownCmd.Flags().Int64Var(&migrateTarget, "to", -1, "roll back to this version (default: one step)")
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}
