// Package api is the public HTTP surface of the gateway: job submission,
// status polling, and right-to-erasure deletion. It is intentionally thin;
// everything stateful lives behind the job service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/maskwright/cloakwork/internal/app/orchestration"
	"github.com/maskwright/cloakwork/pkg/common/logger"
	"github.com/maskwright/cloakwork/pkg/common/otel"
)

// Config tunes the gateway HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// MaxUploadBytes caps multipart video uploads. Zero means 8 GiB.
	MaxUploadBytes int64
	// PresignExpiry is how long status-poll download URLs stay valid. Zero
	// means one hour.
	PresignExpiry time.Duration
}

// Server serves the v1 job API.
type Server struct {
	cfg      Config
	jobs     *orchestration.JobService
	router   *chi.Mux
	validate *validator.Validate

	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer creates the gateway server and binds its routes.
func NewServer(cfg Config, jobs *orchestration.JobService, log *logger.Logger, tracer trace.Tracer) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 8 << 30
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = time.Hour
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		jobs:     jobs,
		router:   r,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With("component", "api_server"),
		tracer:   tracer,
	}
	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/{jobID}", s.handleGetJob)
			r.Delete("/{jobID}", s.handleDeleteJob)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Start serves until the context is cancelled, then drains with a 30s grace
// period.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr, "service", "gateway")
	return server.ListenAndServe()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
