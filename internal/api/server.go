// Package api exposes the HTTP control surface for the scrape service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/config"
	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/store"
)

// Operations is the job control surface the handlers delegate to.
type Operations interface {
	EnqueueSeriesScrape(ctx context.Context, url string, scrapeChapters bool) (scrape.Job, error)
	EnqueueChapterScrape(ctx context.Context, chapterID int64, force bool) (scrape.Job, error)
	EnqueueDownload(ctx context.Context, chapterID int64) (scrape.Job, error)
	EnqueueFullSync(ctx context.Context, seriesID int64) (scrape.Job, error)
	Cancel(ctx context.Context, jobID int64) (scrape.Job, error)
	Retry(ctx context.Context, jobID int64) (scrape.Job, error)
	Job(ctx context.Context, jobID int64) (scrape.Job, error)
	Jobs(ctx context.Context, filter store.JobFilter) ([]scrape.Job, error)
}

// Catalog is the read-only series surface.
type Catalog interface {
	ListSeries(ctx context.Context, limit, offset int) ([]scrape.Series, error)
	GetSeries(ctx context.Context, id int64) (scrape.Series, error)
	ListChapters(ctx context.Context, seriesID int64) ([]scrape.Chapter, error)
}

// Pinger reports downstream readiness. Typically the Postgres pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the job operations and the store.
type Server struct {
	router  chi.Router
	ops     Operations
	catalog Catalog
	pinger  Pinger
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ops Operations, catalog Catalog, pinger Pinger, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ops:     ops,
		catalog: catalog,
		pinger:  pinger,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/series", func(r chi.Router) {
			r.Get("/", s.listSeries)
			r.Post("/scrape", s.scrapeSeries)
			r.Route("/{series_id}", func(r chi.Router) {
				r.Get("/", s.getSeries)
				r.Post("/sync", s.syncSeries)
			})
		})
		r.Route("/chapters/{chapter_id}", func(r chi.Router) {
			r.Post("/scrape", s.scrapeChapter)
			r.Post("/download", s.downloadChapter)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/retry", s.retryJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
