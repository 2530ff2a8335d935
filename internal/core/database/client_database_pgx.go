package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/handoverhq/docsearch/internal/config"
	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/models"
)

// Postgres error codes mapped onto engine errors.
const (
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

type DatabaseClient struct {
	db *sql.DB
}

// NewDatabaseClient opens the pool, pings it and makes sure the schema exists.
func NewDatabaseClient(ctx context.Context, cfg *config.Config, log *slog.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Documents

const documentColumns = `id, tenant_id, scheme_id, file_name, mime_type, storage_key, status, chunk_count,
	discipline, house_type, important, must_read, ai_classified, last_error, created_at, updated_at`

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	const q = `
		INSERT INTO documents
			(id, tenant_id, scheme_id, file_name, mime_type, storage_key, status,
			 discipline, house_type, important, must_read, ai_classified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		doc.ID, doc.TenantID, doc.SchemeID, doc.FileName, doc.MimeType, doc.StorageKey, doc.Status,
		doc.Discipline, doc.HouseType, doc.Important, doc.MustRead, doc.AIClassified,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
}

func (c *DatabaseClient) GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	q := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND id = $2`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c *DatabaseClient) ListDocuments(ctx context.Context, tenantID string, schemeID *string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents
		WHERE tenant_id = $1 AND ($2::text IS NULL OR scheme_id = $2)
		ORDER BY created_at DESC`
	return c.queryDocuments(ctx, q, tenantID, schemeID)
}

// SetDocumentStatus applies the transition in one statement so concurrent
// writers cannot both move the same document.
func (c *DatabaseClient) SetDocumentStatus(ctx context.Context, tenantID, id string, status models.DocumentStatus, force bool) error {
	return c.transition(ctx, tenantID, id, status, models.AllowedFrom(status, force), `updated_at = now()`)
}

func (c *DatabaseClient) FinishDocument(ctx context.Context, tenantID, id string, status models.DocumentStatus, chunkCount int, lastError string) error {
	return c.transition(ctx, tenantID, id, status, models.AllowedFrom(status, false),
		`chunk_count = $5, last_error = $6, updated_at = now()`, chunkCount, lastError)
}

func (c *DatabaseClient) transition(ctx context.Context, tenantID, id string, to models.DocumentStatus, from []models.DocumentStatus, set string, extra ...any) error {
	if err := checkID(id); err != nil {
		return err
	}
	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}
	q := `UPDATE documents SET status = $3, ` + set + `
		WHERE tenant_id = $1 AND id = $2 AND status = ANY($4::text[])`
	args := append([]any{tenantID, id, to, fromText}, extra...)

	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing matched: either the document is gone or the status forbids it.
	var current models.DocumentStatus
	err = c.db.QueryRowContext(ctx, `SELECT status FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: document %s", core.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, current, to)
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, tenantID, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", core.ErrNotFound, id)
	}
	return nil
}

func (c *DatabaseClient) ListDocumentsWithoutChunks(ctx context.Context, limit int) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents d
		WHERE (d.status IN ('pending', 'failed') OR (d.status = 'completed' AND d.last_error <> ''))
		  AND NOT EXISTS (SELECT 1 FROM document_chunks c WHERE c.document_id = d.id)
		ORDER BY d.created_at ASC
		LIMIT $1`
	return c.queryDocuments(ctx, q, limit)
}

func (c *DatabaseClient) FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	const q = `
		UPDATE documents SET status = 'failed', last_error = $2, updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - make_interval(secs => $1)
	`
	res, err := c.db.ExecContext(ctx, q, olderThan.Seconds(), core.ErrTimeout.Error())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *DatabaseClient) queryDocuments(ctx context.Context, q string, args ...any) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*models.Document, error) {
	var (
		d      models.Document
		scheme sql.NullString
	)
	err := r.Scan(
		&d.ID, &d.TenantID, &scheme, &d.FileName, &d.MimeType, &d.StorageKey, &d.Status, &d.ChunkCount,
		&d.Discipline, &d.HouseType, &d.Important, &d.MustRead, &d.AIClassified, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.SchemeID = nullToPtr(scheme)
	return &d, nil
}

// Document chunks

func (c *DatabaseClient) InsertChunk(ctx context.Context, ch *models.Chunk) error {
	if ch == nil {
		return errors.New("nil chunk")
	}
	meta, err := json.Marshal(ch.Metadata)
	if err != nil {
		return fmt.Errorf("encode chunk metadata: %w", err)
	}
	const q = `
		INSERT INTO document_chunks
			(id, tenant_id, scheme_id, document_id, chunk_index, text, embedding,
			 source_type, discipline, house_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = c.db.ExecContext(ctx, q,
		ch.ID, ch.TenantID, ch.SchemeID, ch.DocumentID, ch.Index, ch.Text, pgvector.NewVector(ch.Embedding),
		ch.SourceType, ch.Discipline, ch.HouseType, meta,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", core.ErrDocumentGone, deref(ch.DocumentID))
		case pgCheckViolation:
			return fmt.Errorf("%w: %s", core.ErrScopeMismatch, pgErr.Message)
		}
	}
	return err
}

func (c *DatabaseClient) DeleteChunksByDocument(ctx context.Context, tenantID, documentID string) (int, error) {
	if checkID(documentID) != nil {
		return 0, nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *DatabaseClient) CountChunksByDocument(ctx context.Context, tenantID, documentID string) (int, error) {
	if checkID(documentID) != nil {
		return 0, nil
	}
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM document_chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID).Scan(&n)
	return n, err
}

// SearchCandidates runs the semantic and lexical passes in one query. A chunk
// enters the pool when it clears the similarity floor or matches the query
// terms; the pool is ordered by cosine distance so the HNSW index serves it.
func (c *DatabaseClient) SearchCandidates(ctx context.Context, cq core.CandidateQuery) ([]core.Candidate, error) {
	if err := cq.Scope.Validate(); err != nil {
		return nil, err
	}
	schemes := cq.Scope.SchemeIDs
	if schemes == nil {
		schemes = []string{}
	}

	const q = `
		WITH q AS (
			SELECT $1::vector AS v, plainto_tsquery('english', $2) AS tsq
		)
		SELECT c.id, c.document_id, COALESCE(d.file_name, ''), c.text, c.source_type,
		       c.discipline, c.house_type,
		       COALESCE(d.important, false), COALESCE(d.must_read, false), COALESCE(d.ai_classified, false),
		       1 - (c.embedding <=> q.v) AS similarity,
		       ts_rank_cd(c.tsv, q.tsq) AS lexical
		FROM document_chunks c
		CROSS JOIN q
		LEFT JOIN documents d ON d.id = c.document_id
		WHERE c.tenant_id = $3
		  AND (c.scheme_id IS NULL OR cardinality($4::text[]) = 0 OR c.scheme_id = ANY($4::text[]))
		  AND (c.document_id IS NULL OR (d.tenant_id = c.tenant_id AND d.status = 'completed'))
		  AND (1 - (c.embedding <=> q.v) >= $5 OR c.tsv @@ q.tsq)
		ORDER BY c.embedding <=> q.v
		LIMIT $6
	`
	rows, err := c.db.QueryContext(ctx, q,
		pgvector.NewVector(cq.Vector), strings.TrimSpace(cq.QueryText), cq.Scope.TenantID, schemes,
		cq.MinSimilarity, cq.PoolSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]core.Candidate, 0, cq.PoolSize)
	for rows.Next() {
		var (
			cand  core.Candidate
			docID sql.NullString
		)
		if err := rows.Scan(
			&cand.ChunkID, &docID, &cand.DocumentTitle, &cand.Text, &cand.SourceType,
			&cand.Discipline, &cand.HouseType,
			&cand.Important, &cand.MustRead, &cand.AIClassified,
			&cand.Similarity, &cand.Lexical,
		); err != nil {
			return nil, err
		}
		cand.DocumentID = nullToPtr(docID)
		out = append(out, cand)
	}
	return out, rows.Err()
}

// checkID reports ids that cannot name a document as not found; documents.id
// is a UUID column and Postgres would reject the cast.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: document %s", core.ErrNotFound, id)
	}
	return nil
}

func nullToPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
