package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/handoverhq/docsearch/internal/config"
	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/cachestore"
	db "github.com/handoverhq/docsearch/internal/core/database"
	"github.com/handoverhq/docsearch/internal/core/ingestion_engine"
	"github.com/handoverhq/docsearch/internal/core/llm"
	"github.com/handoverhq/docsearch/internal/core/memstore"
	objectclient "github.com/handoverhq/docsearch/internal/core/object-client"
	"github.com/handoverhq/docsearch/internal/core/retrieval"
	"github.com/handoverhq/docsearch/internal/metrics"
	"github.com/handoverhq/docsearch/internal/services"
)

// Store is the document and chunk persistence the engine runs on.
type Store interface {
	core.DocumentStore
	core.ChunkStore
}

// CacheStore backs both the embedding cache and the result cache.
type CacheStore interface {
	core.EmbeddingCacheStore
	core.SearchCacheStore
}

type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Store     Store
	Cache     CacheStore
	Objects   core.ObjectClient
	Embedder  *ingestion_engine.Embedder
	Ingestor  *ingestion_engine.DocumentIngestor
	Results   *retrieval.ResultCache
	Retriever *retrieval.Retriever
	Documents *services.DocumentService

	ping    func(context.Context) error
	closers []io.Closer
}

// Deps overrides collaborators that would otherwise be built from config.
// Tests and the CLI use it to run without external services.
type Deps struct {
	Store    Store
	Cache    CacheStore
	Objects  core.ObjectClient
	Provider core.EmbeddingProvider
}

// NewApp builds every component from cfg.
func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	return NewAppWithDeps(ctx, cfg, log, Deps{})
}

func NewAppWithDeps(ctx context.Context, cfg *config.Config, log *slog.Logger, deps Deps) (_ *App, err error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{Config: cfg, Log: log, Registry: reg, Metrics: metrics.New(reg), ping: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStores(appCtx, deps); err != nil {
		return nil, err
	}

	a.Objects = deps.Objects
	if a.Objects == nil {
		if cfg.AwsAccessKey == "" {
			log.Warn("no AWS credentials, keeping documents in memory")
			a.Objects = objectclient.NewMemoryClient()
		} else {
			s3c, err := objectclient.NewS3Client(appCtx, cfg, log)
			if err != nil {
				return nil, err
			}
			a.Objects = s3c
		}
	}

	provider := deps.Provider
	if provider == nil {
		p, closer, err := llm.NewProvider(appCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
		}
		a.closers = append(a.closers, closer)
		provider = p
	}

	t := cfg.Tuning
	a.Embedder, err = ingestion_engine.NewEmbedder(provider, a.Cache, ingestion_engine.EmbedderConfig{
		Attempts:      t.RetryAttempts,
		BaseDelay:     t.RetryBaseDelay,
		CallTimeout:   t.EmbedCallTimeout,
		MaxInputChars: cfg.EmbedMaxChars,
		Workers:       t.EmbedWorkers,
		RPS:           cfg.EmbedRPS,
	}, a.Metrics, log)
	if err != nil {
		return nil, err
	}
	if n, err := a.Embedder.InvalidateStale(appCtx); err != nil {
		log.Warn("pruning stale embeddings", slog.Any("error", err))
	} else if n > 0 {
		log.Info("pruned embeddings of other models", slog.Int64("entries", n))
	}

	a.Ingestor = ingestion_engine.NewDocumentIngestor(
		a.Store, a.Store, a.Objects, a.Embedder,
		ingestion_engine.NewExtractor(false),
		ingestion_engine.NewChunker(t.ChunkSize, t.ChunkOverlap, t.MinChunkLen, t.BreakRatio),
		&ingestion_engine.IngestConfig{
			DocumentTimeout:     t.DocumentTimeout,
			DocumentConcurrency: t.DocumentConcurrency,
		},
		a.Metrics, log,
	)

	a.Results = retrieval.NewResultCache(a.Cache, t.ResultCacheTTL, log)
	a.Retriever = retrieval.NewRetriever(a.Embedder, a.Store, a.Results, retrieval.Config{
		CandidatePool:  t.CandidatePool,
		MinSimilarity:  t.MinSimilarity,
		SemanticWeight: t.SemanticWeight,
		LexicalWeight:  t.LexicalWeight,
		DefaultLimit:   t.DefaultLimit,
		MaxLimit:       t.MaxLimit,
	}, a.Metrics, log)

	a.Documents = services.NewDocumentService(a.Store, a.Objects, a.Ingestor, log)
	log.Info("engine ready",
		slog.String("embed_model", a.Embedder.Model()),
		slog.Int("embed_dim", a.Embedder.Dimensions()),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context, deps Deps) error {
	cfg := a.Config
	a.Store, a.Cache = deps.Store, deps.Cache

	var pg *db.DatabaseClient
	var mem *memstore.Store
	if a.Store == nil {
		if cfg.UsesMemoryStore() {
			a.Log.Warn("DATABASE_URL=memory, nothing is persisted")
			mem = memstore.New()
			a.Store = mem
		} else {
			c, err := db.NewDatabaseClient(ctx, cfg, a.Log)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, c)
			a.ping = c.Ping
			pg = c
			a.Store = c
			a.Log.Info("database initialized and ready")
		}
	}

	if a.Cache != nil {
		return nil
	}
	switch {
	case cfg.CacheBackend == "sqlite":
		s, err := cachestore.Open(cfg.CacheSQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s)
		a.Cache = s
		a.Log.Info("sqlite cache ready", slog.String("path", cfg.CacheSQLitePath))
	case pg != nil:
		a.Cache = pg
	case mem != nil:
		a.Cache = mem
	default:
		if c, ok := a.Store.(CacheStore); ok {
			a.Cache = c
		}
	}
	return nil
}

// Ping reports whether the backing database answers.
func (a *App) Ping(ctx context.Context) error {
	return a.ping(ctx)
}

// Close releases every client in reverse order of creation.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn("closing clients", slog.Any("error", err))
	}
}
