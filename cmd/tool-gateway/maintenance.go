package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger and snapshot migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			n, err := store.Migrate(cmd.Context(), db.DB, cfg.Database.Driver)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d provider(s), %d proxy rule(s), %d role(s)\n",
				len(cfg.Providers), len(cfg.ProxyRules), len(cfg.Roles))
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the idempotency ledger",
	}
	cmd.AddCommand(newLedgerShowCmd())
	cmd.AddCommand(newLedgerPurgeCmd())
	return cmd
}

func newLedgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Print the record for an idempotency token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeDB, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			rec, err := l.Lookup(cmd.Context(), args[0])
			if errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("no record for token %s", args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newLedgerPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed and failed records older than a retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			l, closeDB, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := l.Purge(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Retention window, e.g. 720h")
	return cmd
}

func openLedger(cmd *cobra.Command) (*ledger.SQLLedger, func(), error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, nil, err
	}
	db, err := store.OpenMigrated(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger := mustBuildLogger(cfg.Log.Level)
	return ledger.NewSQLLedger(db, logger, nil), func() {
		_ = logger.Sync()
		_ = db.Close()
	}, nil
}
