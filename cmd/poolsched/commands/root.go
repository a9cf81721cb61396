// Package commands wires the poolsched CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/config"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/stores"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poolsched",
		Short: "Pool scheduler for rate-limited data collection",
		Long: `poolsched schedules data-collection and enrichment jobs against
rate-limited accounts.

Users request work against repositories; the scheduler deduplicates
identical requests into shared jobs, orders enrichment after raw
collection, and caps how many concurrent jobs each credential carries.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newTokensCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

// loadConfig loads the configured or default configuration, with the
// verbose flag lowering the log level.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if verbose && cfg.Telemetry != nil {
		cfg.Telemetry.Logging.Level = "debug"
	}

	return cfg, nil
}

// openStore opens, initializes and migrates the SQLite store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// newLogger builds the telemetry logger from the configuration.
func newLogger(cfg *config.Config) (*telemetry.Logger, error) {
	if cfg.Telemetry == nil {
		return telemetry.NopLogger(), nil
	}
	return telemetry.NewLogger(cfg.Telemetry.Logging)
}

// importCredentials upserts every user and token from a credential file.
func importCredentials(ctx context.Context, store stores.Store, creds *config.CredentialFile) error {
	for _, u := range creds.Users {
		user, err := store.GetOrCreateUser(ctx, u.Username)
		if err != nil {
			return fmt.Errorf("failed to import user %s: %w", u.Username, err)
		}
		for _, t := range u.Tokens {
			token := &stores.Token{
				UserID:  user.ID,
				Secret:  t.Secret,
				MaxJobs: t.MaxJobs,
			}
			if err := store.CreateToken(ctx, token); err != nil {
				return fmt.Errorf("failed to import token for %s: %w", u.Username, err)
			}
		}
	}
	return nil
}
