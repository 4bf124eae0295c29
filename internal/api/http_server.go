package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autoposter/internal/clock"
	"autoposter/internal/config"
	"autoposter/internal/domain"
	"autoposter/internal/logging"
	"autoposter/internal/metrics"
	"autoposter/internal/models"
	"autoposter/internal/prep"
	"autoposter/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// PrepEnqueuer accepts preparation requests.
type PrepEnqueuer interface {
	Enqueue(ctx context.Context, req prep.Request) (prep.Ticket, error)
}

// JobQueue is the part of the work queue the API touches.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

// EventPoller serves the relay to polling clients.
type EventPoller interface {
	Poll(ctx context.Context, orgID string) ([]models.RelayEvent, error)
	Ack(ctx context.Context, orgID, postingID string)
}

type Deps struct {
	Postings domain.PostingStore
	Prep     PrepEnqueuer
	Results  domain.ResultSink
	Relay    EventPoller
	// Queue is nil when no work queue is configured; dispatch and dlq then answer 503.
	Queue  JobQueue
	Health func(ctx context.Context) error
	Clock  clock.Clock
}

// HTTPServer exposes the REST API.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	clock   clock.Clock
	limiter *rateLimiter
	server  *http.Server
	log     zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		clock:   clock.OrReal(deps.Clock),
		limiter: newRateLimiter(cfg.RateLimit),
		log:     logging.Component(logger, "http"),
	}
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware, s.rateLimitMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/postings/schedule", s.handleEnqueue(prep.KindBatchSchedule))
		r.Post("/postings/post-now", s.handleEnqueue(prep.KindPostNow))
		r.Get("/postings/{id}", s.handleGetPosting)
		r.Delete("/postings/{id}", s.handleDeletePosting)
		r.Post("/postings/{id}/dispatch", s.handleDispatch)
		r.Post("/postings/{id}/verify", s.handleVerify)

		r.Get("/users/{userID}/postings", s.handleListPostings)
		r.Get("/users/{userID}/postings/export", s.handleExport)

		r.Post("/agent/results", s.handleAgentResult)
		r.Get("/orgs/{orgID}/events", s.handlePollEvents)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.IncHTTP(route)

		ev := s.log.Info()
		if recorder.status >= http.StatusInternalServerError {
			ev = s.log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *HTTPServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
