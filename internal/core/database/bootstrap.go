package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const schemaVersion = 1

// EnsureBootstrapped creates the schema unless the meta table already records
// the current version. A recorded embedding dimensionality that differs from
// dims is an error: the chunk column cannot hold both vector spaces.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, dims int, log *slog.Logger) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'docsearch_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}
	if !exists {
		log.Info("bootstrapping database schema", slog.Int("version", schemaVersion), slog.Int("embed_dim", dims))
		return runBootstrap(ctxBoot, db, dims)
	}

	var recorded int
	err = db.QueryRowContext(ctxBoot, `SELECT embed_dim FROM docsearch_meta WHERE version = $1`, schemaVersion).Scan(&recorded)
	if err == sql.ErrNoRows {
		return runBootstrap(ctxBoot, db, dims)
	}
	if err != nil {
		return fmt.Errorf("meta version check failed: %w", err)
	}
	if recorded != dims {
		return fmt.Errorf("schema was built for %d-dimensional embeddings, configured %d", recorded, dims)
	}
	log.Debug("database schema up to date", slog.Int("version", schemaVersion))
	return nil
}

func runBootstrap(ctx context.Context, db *sql.DB, dims int) error {
	sqlBytes, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}
	script := strings.ReplaceAll(string(sqlBytes), "{{EMBED_DIM}}", strconv.Itoa(dims))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
