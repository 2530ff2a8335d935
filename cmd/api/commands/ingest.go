package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/ingestion_engine"
	"github.com/handoverhq/docsearch/internal/models"
	"github.com/handoverhq/docsearch/internal/services"
)

type ingestOutput struct {
	File       string                        `json:"file"`
	DocumentID string                        `json:"document_id,omitempty"`
	Result     ingestion_engine.IngestResult `json:"result"`
	Error      string                        `json:"error,omitempty"`
}

// NewIngestCmd constructs `docsearch ingest`, which uploads local files and
// ingests them synchronously.
func NewIngestCmd() *cobra.Command {
	var tenant, scheme, mimeType, discipline, houseType string
	var important, mustRead bool

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Upload and ingest local documents",
		Long: `Store each file, extract and chunk its text, embed the chunks and
persist them under the given tenant (and optional scheme).

The MIME type is taken from --mime, then the file extension, then the
file content.

Examples:
  docsearch ingest --tenant acme handbook.pdf
  docsearch ingest --tenant acme --scheme riverside --discipline electrical wiring.docx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("ingest: --tenant is required")
			}
			a, log, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			scope := core.Scope{TenantID: tenant}
			if scheme != "" {
				scope.SchemeID = &scheme
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			failed := 0
			for _, path := range args {
				out := ingestOutput{File: path}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}

				doc, res, err := a.Documents.UploadAndIngest(cmd.Context(), services.UploadRequest{
					Scope:      scope,
					FileName:   filepath.Base(path),
					MimeType:   detectMime(path, mimeType, data),
					Data:       data,
					Discipline: models.ParseDiscipline(discipline),
					HouseType:  houseType,
					Important:  important,
					MustRead:   mustRead,
				})
				if doc != nil {
					out.DocumentID = doc.ID
				}
				out.Result = res
				if err != nil {
					failed++
					out.Error = err.Error()
					log.Warn("ingest failed", slog.String("file", path), slog.Any("error", err))
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("ingest: %d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Owning tenant id (required)")
	cmd.Flags().StringVar(&scheme, "scheme", "", "Owning scheme id; empty means tenant-wide")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type override")
	cmd.Flags().StringVar(&discipline, "discipline", "", "Discipline tag, e.g. plumbing or electrical")
	cmd.Flags().StringVar(&houseType, "house-type", "", "House type the document applies to")
	cmd.Flags().BoolVar(&important, "important", false, "Flag the document as important")
	cmd.Flags().BoolVar(&mustRead, "must-read", false, "Flag the document as must-read")
	return cmd
}

func detectMime(path, override string, data []byte) string {
	if override != "" {
		return override
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
