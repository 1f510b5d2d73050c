package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/storage"
	"github.com/jshorwitz/ai-adwords/migrations"
)

func newPoliciesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage campaign policies used by the budget optimizer",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load <file>",
		Short: "Validate a policy YAML file and upsert every policy in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := e.openDB(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := loadPolicies(cmd.Context(), db, args[0], e.logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policies loaded from %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := e.openDB(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := db.RunMigrations(cmd.Context(), migrations.FS); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newUploadsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Inspect and settle conversion upload reservations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "unknown",
		Short: "Count reservations whose platform outcome is unknown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := e.openDB(cmd.Context(), false)
			if err != nil {
				return err
			}
			n, err := db.CountUnknownUploads(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d upload reservations need reconciliation\n", n)
			return nil
		},
	})

	var delivered bool
	resolve := &cobra.Command{
		Use:   "resolve <conversion_id> <platform>",
		Short: "Settle an unknown reservation after checking the platform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePlatform(args[1])
			if err != nil {
				return err
			}
			db, err := e.openDB(cmd.Context(), false)
			if err != nil {
				return err
			}
			err = db.ResolveUpload(cmd.Context(), args[0], p, delivered)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no unknown reservation for %s on %s", args[0], p)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reservation %s/%s resolved (delivered=%t)\n", args[0], p, delivered)
			return nil
		},
	}
	resolve.Flags().BoolVar(&delivered, "delivered", false, "the platform has the conversion; otherwise it is queued for upload again")
	cmd.AddCommand(resolve)
	return cmd
}
