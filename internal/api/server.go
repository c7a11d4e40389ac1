package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/events"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/urlnorm"
)

// MaxEventsPerRequest bounds the events accepted in one POST.
const MaxEventsPerRequest = 1000

const maxBodyBytes = 4 << 20

// Operator is the set of invocations the API triggers.
type Operator interface {
	ApplyEvents(ctx context.Context, evs []events.Event) ([]events.Result, catalog.RunSummary, error)
	Status(ctx context.Context) (catalog.Status, error)
	Reconcile(ctx context.Context) (catalog.RunSummary, error)
	Redrain(ctx context.Context) (int, catalog.RunSummary, error)
	RecentRuns(ctx context.Context, limit int) ([]catalog.RunSummary, error)
}

// Options configures a Server.
type Options struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey string
	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool
	Timeout        time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the operator.
type Server struct {
	router chi.Router
	op     Operator
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(op Operator, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	s := &Server{op: op, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(echoRequestID)
	r.Use(s.loggingMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	if opts.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.Timeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/events", s.postEvents)
		r.Get("/status", s.getStatus)
		r.Post("/reconcile", s.postReconcile)
		r.Post("/redrain", s.postRedrain)
		r.Get("/runs", s.getRuns)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventsRequest struct {
	Events []events.Event `json:"events"`
}

type eventsResponse struct {
	RunID   string          `json:"run_id"`
	Results []events.Result `json:"results"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch {
	case len(req.Events) == 0:
		writeError(w, http.StatusBadRequest, "events required")
		return
	case len(req.Events) > MaxEventsPerRequest:
		writeError(w, http.StatusRequestEntityTooLarge, "too many events")
		return
	}
	results, summary, err := s.op.ApplyEvents(r.Context(), req.Events)
	resp := eventsResponse{RunID: summary.RunID, Results: results}
	if err != nil {
		// Events before the failing one are committed and reported.
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.op.Status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) postReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.op.Reconcile(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) postRedrain(w http.ResponseWriter, r *http.Request) {
	moved, summary, err := s.op.Redrain(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": summary.RunID, "moved": moved})
}

func (s *Server) getRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.op.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, events.ErrUnknownKind), errors.Is(err, urlnorm.ErrNotAbsolute):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrLedgerDisabled):
		return http.StatusNotFound
	case errors.Is(err, state.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, state.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// echoRequestID returns the ID chi assigned (or accepted) to the caller.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(chimiddleware.RequestIDHeader, chimiddleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already sent; an encode error only means the
	// client went away.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
