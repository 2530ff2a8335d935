package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/handoverhq/docsearch/internal/api/handlers"
	appMiddleware "github.com/handoverhq/docsearch/internal/api/middlewares"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds and wires all routes.
func NewServer(a *App) (*Server, error) {
	if a.Config.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET not set")
	}
	httpSrv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           NewRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, log: a.Log}, nil
}

// NewRouter returns the chi router with every route mounted.
func NewRouter(a *App) http.Handler {
	docHandler := handlers.NewDocumentHandler(a.Documents, int64(a.Config.MaxUploadMB)<<20)
	searchHandler := handlers.NewSearchHandler(a.Retriever)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(appMiddleware.RequestLogger(a.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(a.Config.JWTSecret))

		// uploads run the whole pipeline when sync=true, so they get the document timeout
		api.With(middleware.Timeout(a.Config.Tuning.DocumentTimeout+30*time.Second)).Group(func(slow chi.Router) {
			slow.Post("/documents/upload", docHandler.UploadDocument)
			slow.Post("/documents/{id}/ingest", docHandler.IngestDocument)
			slow.Post("/texts", docHandler.IngestText)
		})

		api.Group(func(fast chi.Router) {
			fast.Use(middleware.Timeout(60 * time.Second))
			fast.Get("/documents", docHandler.GetDocuments)
			fast.Get("/documents/{id}", docHandler.GetDocument)
			fast.Post("/documents/{id}/retry", docHandler.RetryDocument)
			fast.Delete("/documents/{id}", docHandler.DeleteDocument)
			fast.Get("/search", searchHandler.Search)
		})
	})

	return r
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
