// Package commands defines the Cobra CLI of the docsearch binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/handoverhq/docsearch/internal/app"
	"github.com/handoverhq/docsearch/internal/config"
	"github.com/handoverhq/docsearch/internal/logging"
)

// tuningPath holds the --tuning flag value.
var tuningPath string

// buildApp is replaced in tests to run without Postgres or an embedding API.
var buildApp = func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app.App, error) {
	return app.NewApp(ctx, cfg, log)
}

// NewRootCmd constructs the root command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docsearch",
		Short: "Handover document ingestion and hybrid search",
		Long: `docsearch ingests handover documents (PDF, Word, spreadsheets, text),
embeds their chunks and answers tenant-scoped hybrid searches over them.

Configuration comes from the environment and an optional .env file.
Set DATABASE_URL=memory to run without Postgres.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if tuningPath != "" {
				return os.Setenv("TUNING_FILE", tuningPath)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&tuningPath, "tuning", "", "Path to a YAML tuning file (overrides TUNING_FILE)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewSearchCmd(),
		NewBackfillCmd(),
		NewCacheCmd(),
	)
	return root
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// openApp loads configuration and builds the engine for one command run.
func openApp(cmd *cobra.Command) (*app.App, *slog.Logger, error) {
	log := logging.New()
	cfg, err := config.LoadConfig(log)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	a, err := buildApp(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return a, log, nil
}
