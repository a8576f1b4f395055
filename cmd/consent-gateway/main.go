package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consentgate/internal/config"
	"github.com/ehr/consentgate/internal/domain/access"
	"github.com/ehr/consentgate/internal/domain/identity"
	"github.com/ehr/consentgate/internal/platform/db"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/metrics"
	"github.com/ehr/consentgate/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "consent-gateway",
		Short: "Consent-gated medical record gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(checkAccessCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres ledger schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register fixture identities and grants on the configured ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.SeedFile
			}
			if file == "" {
				return fmt.Errorf("--file or SEED_FILE is required")
			}
			if cfg.LedgerBackend == "memory" {
				return fmt.Errorf("the memory ledger is seeded at startup through SEED_FILE")
			}

			ctx := context.Background()
			l, err := openLedger(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer l.Close()

			seed, err := ledger.LoadSeed(ctx, l, file)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d identities and %d grants.\n", len(seed.Identities), len(seed.Grants))
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to a YAML seed fixture")
	return cmd
}

func checkAccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-access",
		Short: "Ask the ledger whether a patient has granted a clinician access",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinician, _ := cmd.Flags().GetString("clinician")
			patient, _ := cmd.Flags().GetString("patient")
			if clinician == "" || patient == "" {
				return fmt.Errorf("--clinician and --patient are required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := context.Background()
			l, err := openLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer l.Close()

			gate := access.NewGate(l, nil, metrics.New(), logger)
			resolver := identity.NewResolver(l, logger)
			if _, err := resolver.Resolve(ctx, ledger.RoleClinician, clinician); err != nil {
				return err
			}
			if _, err := resolver.Resolve(ctx, ledger.RolePatient, patient); err != nil {
				return err
			}
			if err := gate.Verify(ctx, clinician, patient); err != nil {
				fmt.Printf("denied: %v\n", err)
				return nil
			}
			fmt.Println("granted")
			return nil
		},
	}
	cmd.Flags().String("clinician", "", "Clinician short id")
	cmd.Flags().String("patient", "", "Patient short id")
	return cmd
}
