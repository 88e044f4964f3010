package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wecook/internal/auth"
	"wecook/internal/executor"
	"wecook/internal/planner"
)

const maxBodyBytes = 64 << 10

// submitRequest is a plan request plus an optional client-captured
// submission time (Unix ms). Reusing the time of a failed or timed-out
// submission makes the retry hit the same batch.
type submitRequest struct {
	planner.RawRequest
	SubmittedAt int64 `json:"submitted_at,omitempty"`
}

type submitResponse struct {
	BatchID     string `json:"batch_id"`
	AccessToken string `json:"access_token"`
	JobCount    int    `json:"job_count"`
	SubmittedAt int64  `json:"submitted_at"`
}

type batchSummary struct {
	BatchID     string    `json:"batch_id"`
	AccessToken string    `json:"access_token"`
	JobCount    int       `json:"job_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// userID authenticates the request from its bearer token.
func (s *Server) userID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthorized)
	}
	return s.deps.Users.VerifyUserToken(strings.TrimSpace(token))
}

func (s *Server) submitPlanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userID(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, apiError{Error: CodeInvalidParameters, Message: "request body must be a JSON plan request"})
			return
		}

		var sub planner.Submission
		if req.SubmittedAt > 0 {
			sub, err = s.deps.Planner.SubmitAt(r.Context(), userID, req.RawRequest, time.UnixMilli(req.SubmittedAt))
		} else {
			sub, err = s.deps.Planner.Submit(r.Context(), userID, req.RawRequest)
		}
		if err != nil {
			s.writeFailure(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, submitResponse{
			BatchID:     sub.Handle.BatchID,
			AccessToken: sub.Handle.AccessToken,
			JobCount:    sub.Handle.JobCount,
			SubmittedAt: sub.SubmittedAt.UnixMilli(),
		})
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userID(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		if s.deps.History == nil {
			writeJSON(w, http.StatusOK, []batchSummary{})
			return
		}

		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 100 {
				writeError(w, http.StatusBadRequest, apiError{Error: CodeInvalidParameters, Message: "limit must be between 1 and 100", Field: "limit"})
				return
			}
			limit = n
		}

		plans, err := s.deps.History.ListRecentByUserID(r.Context(), userID, limit)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		out := make([]batchSummary, 0, len(plans))
		for _, p := range plans {
			out = append(out, batchSummary{BatchID: p.BatchID, AccessToken: p.AccessToken, JobCount: p.JobCount, CreatedAt: p.CreatedAt})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// batchHandle rebuilds a handle from the path and the batch access token.
func (s *Server) batchHandle(r *http.Request) (executor.BatchHandle, error) {
	handle := executor.BatchHandle{
		BatchID:     r.PathValue("id"),
		AccessToken: r.URL.Query().Get("token"),
	}
	if handle.AccessToken == "" {
		handle.AccessToken, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if handle.AccessToken == "" {
		return executor.BatchHandle{}, fmt.Errorf("%w: missing batch token", auth.ErrUnauthorized)
	}

	if s.deps.History != nil {
		stored, err := s.deps.History.GetByBatchID(r.Context(), handle.BatchID)
		switch {
		case err == nil:
			handle.JobCount = stored.JobCount
		case !errors.Is(err, planner.ErrPlanNotFound):
			return executor.BatchHandle{}, err
		}
	}
	return handle, nil
}

func (s *Server) batchStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle, err := s.batchHandle(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		snap, err := s.deps.Status.Read(r.Context(), handle)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) getPreferencesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userID(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		if s.deps.Preferences == nil {
			writeJSON(w, http.StatusOK, planner.RawRequest{})
			return
		}
		prefs, _, err := s.deps.Preferences.Get(r.Context(), userID)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	}
}

func (s *Server) putPreferencesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userID(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		if s.deps.Preferences == nil {
			writeError(w, http.StatusNotImplemented, apiError{Error: CodeInternal, Message: "preferences are not enabled"})
			return
		}

		var prefs planner.RawRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&prefs); err != nil {
			writeError(w, http.StatusBadRequest, apiError{Error: CodeInvalidParameters, Message: "request body must be a JSON plan request"})
			return
		}
		if err := s.deps.Preferences.Save(r.Context(), userID, prefs); err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	}
}
