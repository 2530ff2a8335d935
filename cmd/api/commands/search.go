package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/retrieval"
	"github.com/handoverhq/docsearch/internal/models"
)

// NewSearchCmd constructs `docsearch search`, which runs one hybrid search and
// prints the ranked documents as JSON.
func NewSearchCmd() *cobra.Command {
	var tenant, discipline, houseType string
	var schemes []string
	var limit int

	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search ingested documents",
		Long: `Run a hybrid (semantic plus keyword) search within a tenant.

Without --scheme every scheme of the tenant is searched. Tenant-wide
documents are always included.

Examples:
  docsearch search --tenant acme boiler service interval
  docsearch search --tenant acme --scheme riverside --limit 5 "fire door"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("search: --tenant is required")
			}
			a, _, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req := retrieval.SearchRequest{
				Scope: core.SearchScope{TenantID: tenant, SchemeIDs: schemes},
				Query: strings.Join(args, " "),
				Filters: retrieval.Filters{
					Discipline: models.ParseDiscipline(discipline),
					HouseType:  houseType,
				},
				Limit: limit,
			}
			results, err := a.Retriever.Search(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if results == nil {
				results = []retrieval.SearchResult{}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant to search (required)")
	cmd.Flags().StringSliceVar(&schemes, "scheme", nil, "Scheme ids to search; repeatable")
	cmd.Flags().StringVar(&discipline, "discipline", "", "Only documents with this discipline")
	cmd.Flags().StringVar(&houseType, "house-type", "", "Only documents for this house type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results; 0 uses the configured default")
	return cmd
}
