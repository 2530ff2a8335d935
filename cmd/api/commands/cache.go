package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCacheCmd constructs `docsearch cache` and its subcommands.
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the embedding and search result caches",
	}
	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func newCachePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop embeddings of other models and expired search results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			embeddings, err := a.Embedder.InvalidateStale(cmd.Context())
			if err != nil {
				return fmt.Errorf("cache prune: embeddings: %w", err)
			}
			results, err := a.Results.Purge(cmd.Context())
			if err != nil {
				return fmt.Errorf("cache prune: results: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d embeddings, %d search results\n", embeddings, results)
			return err
		},
	}
}
