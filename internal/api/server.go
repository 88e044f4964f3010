// Package api exposes plan submission and batch status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"wecook/internal/auth"
	"wecook/internal/executor"
	"wecook/internal/llm"
	"wecook/internal/planner"
	"wecook/internal/runs"
)

// Planner submits meal plans.
type Planner interface {
	Submit(ctx context.Context, userID string, raw planner.RawRequest) (planner.Submission, error)
	SubmitAt(ctx context.Context, userID string, raw planner.RawRequest, submittedAt time.Time) (planner.Submission, error)
}

// StatusReader reads and follows batch progress.
type StatusReader interface {
	Read(ctx context.Context, handle executor.BatchHandle) (runs.Snapshot, error)
	Watch(ctx context.Context, handle executor.BatchHandle) (*runs.Subscription, error)
}

// UserVerifier resolves a bearer token to a user id.
type UserVerifier interface {
	VerifyUserToken(token string) (string, error)
}

// PreferenceStore loads and saves a user's plan defaults.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (planner.RawRequest, bool, error)
	Save(ctx context.Context, userID string, prefs planner.RawRequest) error
}

// PlanHistory lists submitted batches.
type PlanHistory interface {
	ListRecentByUserID(ctx context.Context, userID string, limit int) ([]planner.StoredPlan, error)
	GetByBatchID(ctx context.Context, batchID string) (planner.StoredPlan, error)
}

// Deps holds the collaborators of a Server. Preferences, History and
// Metrics are optional.
type Deps struct {
	Planner     Planner
	Status      StatusReader
	Users       UserVerifier
	Preferences PreferenceStore
	History     PlanHistory
	Metrics     http.Handler
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	logger *slog.Logger

	// KeepAlive is the interval between SSE comment pings.
	KeepAlive time.Duration
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:      deps,
		mux:       http.NewServeMux(),
		logger:    logger,
		KeepAlive: 15 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.healthHandler())
	s.mux.HandleFunc("POST /api/plans", s.submitPlanHandler())
	s.mux.HandleFunc("GET /api/batches", s.listBatchesHandler())
	s.mux.HandleFunc("GET /api/batches/{id}", s.batchStatusHandler())
	s.mux.HandleFunc("GET /api/batches/{id}/events", s.batchEventsHandler())
	s.mux.HandleFunc("GET /api/preferences", s.getPreferencesHandler())
	s.mux.HandleFunc("PUT /api/preferences", s.putPreferencesHandler())
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Handle mounts an extra handler, such as the Telegram webhook.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Error codes returned in the "error" field of failed responses.
const (
	CodeUnauthorized          = "unauthorized"
	CodeInvalidParameters     = "invalid_parameters"
	CodeExecutorFailure       = "executor_failure"
	CodeTitleGenerationFailed = "title_generation_failed"
	CodeNotFound              = "not_found"
	CodeInternal              = "internal_error"
)

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`

	// SubmittedAt is set on executor failures. Resubmitting with it reuses
	// the keys of any jobs the executor already accepted.
	SubmittedAt int64 `json:"submitted_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, e apiError) {
	writeJSON(w, code, e)
}

// writeFailure maps an error from the domain packages onto a response.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var ve *planner.ValidationError
	var de *planner.DispatchError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, apiError{Error: CodeUnauthorized, Message: "missing or invalid token"})
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, apiError{Error: CodeInvalidParameters, Message: ve.Error(), Field: ve.Field})
	case errors.Is(err, planner.ErrInvalidParameters):
		writeError(w, http.StatusBadRequest, apiError{Error: CodeInvalidParameters, Message: err.Error()})
	case errors.Is(err, planner.ErrTitlesExhausted), llm.IsTransient(err):
		writeError(w, http.StatusBadGateway, apiError{Error: CodeTitleGenerationFailed, Message: "could not generate unique recipe titles, please try again"})
	case errors.Is(err, planner.ErrExecutorFailure):
		e := apiError{Error: CodeExecutorFailure, Message: "the recipe generator did not accept the plan, retry with submitted_at"}
		if errors.As(err, &de) && !de.SubmittedAt.IsZero() {
			e.SubmittedAt = de.SubmittedAt.UnixMilli()
		}
		writeError(w, http.StatusBadGateway, e)
	case errors.Is(err, executor.ErrBatchNotFound), errors.Is(err, planner.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, apiError{Error: CodeNotFound, Message: "batch not found"})
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, apiError{Error: CodeInternal, Message: "internal error"})
	}
}
