package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authserver/janitor"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired and revoked tokens once",
		Long: `Runs one cleanup pass against the configured store and prints the result
as JSON. Intended for cron jobs when the in-process janitor is disabled.
The memory store is process-local, so cleanup only makes sense for shared
stores.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Storage, false, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			jan, err := janitor.New(store, logger)
			if err != nil {
				return err
			}
			result, err := jan.Cleanup(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL storage migrations",
		Long: `Applies pending schema migrations for the postgres, mysql and sqlite
drivers. The memory and valkey drivers have no schema; the command reports
that and exits successfully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Storage, false, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if store.sql == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "storage driver %q has no schema to migrate\n", cfg.Storage.Driver)
				return nil
			}
			if err := store.sql.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", store.sql.Dialect())
			return nil
		},
	}
}
