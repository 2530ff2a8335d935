package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewBackfillCmd constructs `docsearch backfill`, which ingests documents that
// were stored but never chunked.
func NewBackfillCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest stored documents that have no chunks",
		Long: `Mark documents stuck in processing as failed, then re-ingest up to
--limit documents that have no chunks from their stored files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Documents.Backfill(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(rep)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum documents to process")
	return cmd
}
