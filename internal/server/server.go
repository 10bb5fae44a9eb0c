// Package server provides the HTTP server and router for the extension
// service.
//
// API endpoints:
//   - POST   /api/extensions                  - install from uploaded archive
//   - GET    /api/extensions                  - list installed extensions
//   - POST   /api/extensions/{slug}/enable    - enable an extension
//   - POST   /api/extensions/{slug}/disable   - disable an extension
//   - DELETE /api/extensions/{slug}           - uninstall an extension
//   - POST   /api/extensions/{slug}/baseline  - build integrity baseline
//   - GET    /api/extensions/{slug}/integrity - check against baseline
//   - GET    /api/status                      - service statistics (JSON)
//
// Additional endpoints:
//   - /health  - Health check endpoint
//   - /metrics - Prometheus metrics
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/extwarden/extwarden/internal/audit"
	"github.com/extwarden/extwarden/internal/config"
	"github.com/extwarden/extwarden/internal/database"
	"github.com/extwarden/extwarden/internal/extractor"
	"github.com/extwarden/extwarden/internal/installer"
	"github.com/extwarden/extwarden/internal/integrity"
	"github.com/extwarden/extwarden/internal/metrics"
	"github.com/extwarden/extwarden/internal/storage"
	"github.com/extwarden/extwarden/internal/upload"
)

// Server is the extension service HTTP server.
type Server struct {
	cfg       *config.Config
	db        *database.DB
	retention storage.Storage
	installer *installer.Installer
	logger    *slog.Logger
	http      *http.Server
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	var db *database.DB
	var err error

	switch cfg.Database.Driver {
	case "postgres":
		db, err = database.OpenPostgresOrCreate(cfg.Database.URL)
	default:
		db, err = database.OpenOrCreate(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ext, err := extractor.New(cfg.Extensions.Root, cfg.Extensions.Staging, extractor.Limits{
		MaxFiles:      cfg.Extensions.MaxFiles,
		MaxTotalBytes: cfg.MaxTotalBytes(),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing extractor: %w", err)
	}

	var retention storage.Storage
	if cfg.Retention.URL != "" {
		blob, err := storage.OpenBucket(context.Background(), cfg.Retention.URL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing retention storage: %w", err)
		}
		retention = blob
	}

	auditLog, err := audit.New(cfg.Audit.Path, cfg.AuditRotateBytes(), logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}

	ins := installer.New(
		upload.New(cfg.MaxUploadBytes()),
		ext,
		db,
		db,
		integrity.New(cfg.Extensions.Root, db),
		retention,
		auditLog,
		logger,
	)

	return &Server{
		cfg:       cfg,
		db:        db,
		retention: retention,
		installer: ins,
		logger:    logger,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  2 * time.Minute, // uploads need time
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting server",
		"listen", s.cfg.Listen,
		"extensions_root", s.cfg.Extensions.Root,
		"database", s.cfg.Database.Path)

	return s.http.ListenAndServe()
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/extensions", s.handleInstall)
		r.Get("/extensions", s.handleList)
		r.Route("/extensions/{slug}", func(r chi.Router) {
			r.Delete("/", s.handleUninstall)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
			r.Post("/baseline", s.handleBaseline)
			r.Get("/integrity", s.handleIntegrity)
		})
		r.Get("/status", s.handleStatus)
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.retention != nil {
		if err := s.retention.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Check database connectivity
	if _, err := s.db.CurrentSchemaVersion(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "database error: %v", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "ok")
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.IncrementActiveRequests()
		defer metrics.DecrementActiveRequests()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		metrics.RecordRequest(routePattern(r), rw.status, time.Since(start))

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

// routePattern returns the chi route pattern for metric labels, so slug
// values don't explode label cardinality.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return r.URL.Path
}
