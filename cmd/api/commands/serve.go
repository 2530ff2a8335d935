package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/handoverhq/docsearch/internal/app"
)

// NewServeCmd constructs `docsearch serve`, which runs the HTTP API and the
// ingestion workers until interrupted.
func NewServeCmd() *cobra.Command {
	var backfill bool
	var drain time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the ingestion workers",
		Long: `Start the HTTP API on PORT together with INGEST_WORKERS ingestion workers.

On start the server re-queues documents left without chunks by a previous
run, unless --backfill=false is given.

Examples:
  docsearch serve
  DATABASE_URL=memory JWT_SECRET=dev docsearch serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, log, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := app.NewServer(a)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			a.Ingestor.Start(ctx, a.Config.IngestWorkers)
			log.Info("ingest workers started", slog.Int("workers", a.Config.IngestWorkers))

			if backfill {
				go func() {
					if _, err := a.Documents.Backfill(ctx, 0); err != nil && ctx.Err() == nil {
						log.Warn("startup backfill", slog.Any("error", err))
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("serve: shutdown: %w", err)
			}
			log.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&backfill, "backfill", true, "Re-ingest documents without chunks on start")
	cmd.Flags().DurationVar(&drain, "drain", 15*time.Second, "How long to wait for in-flight requests on shutdown")
	return cmd
}
