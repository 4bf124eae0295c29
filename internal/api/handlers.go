package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"autoposter/internal/completion"
	"autoposter/internal/database"
	"autoposter/internal/models"
	"autoposter/internal/prep"
	"autoposter/internal/queue"

	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleEnqueue(kind prep.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req prep.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req.Kind = kind
		req.RequestID = ""
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ticket, err := s.deps.Prep.Enqueue(r.Context(), req)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to queue preparation request")
			writeError(w, http.StatusInternalServerError, "failed to queue request")
			return
		}
		writeJSON(w, http.StatusAccepted, ticket)
	}
}

func (s *HTTPServer) handleGetPosting(w http.ResponseWriter, r *http.Request) {
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, posting)
}

func (s *HTTPServer) loadPosting(w http.ResponseWriter, r *http.Request) (*models.Posting, bool) {
	id := chi.URLParam(r, "id")
	posting, err := s.deps.Postings.GetPosting(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "posting not found")
		return nil, false
	}
	if err != nil {
		s.log.Error().Err(err).Str("posting_id", id).Msg("failed to load posting")
		writeError(w, http.StatusInternalServerError, "failed to load posting")
		return nil, false
	}
	return posting, true
}

func (s *HTTPServer) handleDeletePosting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Postings.DeletePosting(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "posting not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("posting_id", id).Msg("failed to delete posting")
		writeError(w, http.StatusInternalServerError, "failed to delete posting")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDispatch moves a scheduled posting onto the work queue ahead of its time.
func (s *HTTPServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "work queue is not configured")
		return
	}
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	claimed, err := s.deps.Postings.ClaimPosting(ctx, posting.ID, models.PostingScheduled, models.PostingQueued)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue posting")
		return
	}
	if !claimed {
		writeError(w, http.StatusConflict, "posting is not scheduled")
		return
	}

	job := &queue.Job{PostingID: posting.ID, UserID: posting.UserID}
	if err := s.deps.Queue.Enqueue(ctx, job); err != nil {
		s.log.Error().Err(err).Str("posting_id", posting.ID).Msg("enqueue failed, restoring schedule")
		if _, rerr := s.deps.Postings.ClaimPosting(ctx, posting.ID, models.PostingQueued, models.PostingScheduled); rerr != nil {
			s.log.Error().Err(rerr).Str("posting_id", posting.ID).Msg("failed to restore scheduled status")
		}
		writeError(w, http.StatusInternalServerError, "failed to queue posting")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"posting_id": posting.ID, "job_id": job.ID})
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	posting, ok := s.loadPosting(w, r)
	if !ok {
		return
	}
	s.deps.Relay.Ack(r.Context(), posting.OrganizationID, posting.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *HTTPServer) handleListPostings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	postings, err := s.deps.Postings.ListPostingsByUser(r.Context(), userID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("failed to list postings")
		writeError(w, http.StatusInternalServerError, "failed to list postings")
		return
	}
	if postings == nil {
		postings = []*models.Posting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"postings": postings})
}

func (s *HTTPServer) handleAgentResult(w http.ResponseWriter, r *http.Request) {
	var c models.Completion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.deps.Results.Report(r.Context(), c)
	if errors.Is(err, completion.ErrUnknownPosting) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("posting_id", c.PostingID).Msg("failed to record agent result")
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *HTTPServer) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	events, err := s.deps.Relay.Poll(r.Context(), orgID)
	if err != nil {
		s.log.Error().Err(err).Str("organization_id", orgID).Msg("failed to drain relay")
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "work queue is not configured")
		return
	}
	count, _ := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	if count <= 0 || count > 500 {
		count = 100
	}
	items, err := s.deps.Queue.DLQPeek(r.Context(), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	if items == nil {
		items = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "depth": depth})
}
