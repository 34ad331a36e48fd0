package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/audittrail/internal/config"
	"github.com/ehr/audittrail/internal/domain/audit"
	"github.com/ehr/audittrail/internal/platform/db"
	"github.com/ehr/audittrail/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "audit-server",
		Short: "HIPAA audit trail and compliance logging server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(anomaliesCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads the config and connects to Postgres. Offline commands
// always need the database whatever STORE_BACKEND says.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// migrationFiles returns the embedded migrations, or dir when set.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.Files
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	var dir string

	// withMigrator opens the pool for one subcommand run.
	withMigrator := func(run func(ctx context.Context, m *db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			return run(ctx, db.NewMigrator(pool, migrationFiles(dir)))
		}
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit schema",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator) error {
			n, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each is applied",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
			for _, st := range statuses {
				applied := "-"
				if st.Applied && st.AppliedAt != nil {
					applied = st.AppliedAt.UTC().Format(time.RFC3339)
				} else if st.Applied {
					applied = "yes"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", st.Version, st.Name, applied)
			}
			return tw.Flush()
		}),
	})

	return cmd
}

func anomaliesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies",
		Short: "Run one anomaly detection pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			detector := audit.NewDetector(audit.NewPGRepository(pool), anomalyConfig(cfg))
			report, err := detector.Detect(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := audit.VerifyChain(ctx, audit.NewPGRepository(pool))
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func anomalyConfig(cfg *config.Config) audit.AnomalyConfig {
	return audit.AnomalyConfig{
		Window:               cfg.AnomalyWindow,
		FailedLoginThreshold: cfg.AnomalyFailedLoginThreshold,
		PHIAccessThreshold:   cfg.AnomalyPHIAccessThreshold,
	}
}
