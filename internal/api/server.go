package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/config"
	"github.com/JakeFAU/realtime-scraper/internal/intake"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Enqueuer hands accepted jobs to the queue. *dispatcher.Dispatcher
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job scrape.Job) error
}

// BrowserStatus reports the shared browser, if one is running.
// *browser.Manager satisfies it.
type BrowserStatus interface {
	Current() *browser.Handle
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router    chi.Router
	jobStore  scrape.JobStore
	enqueuer  Enqueuer
	validator *intake.Validator
	idGen     scrape.IDGenerator
	clock     scrape.Clock
	browsers  BrowserStatus
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. browsers may be
// nil when the process runs no workers. A nil enqueuer leaves the job intake
// routes unmounted, so only probes and metrics are served.
func NewServer(
	jobStore scrape.JobStore,
	enqueuer Enqueuer,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
	browsers BrowserStatus,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:  jobStore,
		enqueuer:  enqueuer,
		validator: intake.NewValidator(),
		idGen:     idGen,
		clock:     clock,
		browsers:  browsers,
		cfg:       cfg,
		logger:    logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if enqueuer != nil {
		r.Route("/v1", func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJobs)
				r.Get("/{job_id}", s.getJob)
			})
		})
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]string{"status": "ready", "browser": "none"}
	if s.browsers != nil {
		payload["browser"] = "cold"
		if h := s.browsers.Current(); h != nil {
			payload["browser"] = "up"
			payload["session_id"] = h.SessionID()
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

type submitResponse struct {
	JobIDs []string `json:"job_ids"`
	Status string   `json:"status"`
}

type errorResponse struct {
	Error            string                   `json:"error"`
	ValidationErrors []scrape.ValidationIssue `json:"validation_errors,omitempty"`
}

func (s *Server) submitJobs(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Server.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	jobs, err := s.validator.DecodeBatch(body, s.idGen.NewID)
	if err != nil {
		var vErr *intake.ValidationError
		switch {
		case errors.As(err, &vErr):
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job", ValidationErrors: vErr.Issues})
		case errors.Is(err, intake.ErrEmptyBatch):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if err := s.enqueueJob(r.Context(), job); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, scrape.ErrJobExists):
				status = http.StatusConflict
			case errors.Is(err, context.DeadlineExceeded):
				status = http.StatusServiceUnavailable
			}
			s.logger.Error("enqueue job failed", zap.String("job_id", job.ID), zap.Error(err))
			s.writeJSON(w, status, map[string]any{"error": err.Error(), "job_ids": ids})
			return
		}
		ids = append(ids, job.ID)
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobIDs: ids, Status: string(scrape.JobStatusQueued)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if errors.Is(err, scrape.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) enqueueJob(ctx context.Context, job scrape.Job) error {
	rec := scrape.JobRecord{
		ID:        job.ID,
		Kind:      job.Kind,
		UserID:    job.UserID,
		URL:       job.URL,
		Status:    scrape.JobStatusQueued,
		Submitted: s.clock.Now(),
	}
	if err := s.jobStore.CreateJob(ctx, rec); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.enqueuer.Enqueue(queueCtx, job); err != nil {
		if uerr := s.jobStore.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, scrape.JobStatusFailed, "enqueue failed"); uerr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if expected == "" || key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
