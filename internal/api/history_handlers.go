package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/softdial/softdial/internal/api/middleware"
	"github.com/softdial/softdial/internal/database"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// handleListCalls returns the authenticated user's call history, newest
// first. Supports filtering by outcome, number search, and a date range.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := database.CallRecordFilter{
		Outcome:   q.Get("outcome"),
		Search:    q.Get("search"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
		UserID:    middleware.UserIDFromContext(r.Context()),
		Limit:     defaultHistoryLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = min(n, maxHistoryLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	records, total, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"calls":  records,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleGetCall returns a single call record by session ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := s.records.GetBySessionID(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleCallStats returns outcome counts for the dashboard.
func (s *Server) handleCallStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.records.CountByOutcome(r.Context())
	if err != nil {
		s.logger.Error("failed to count call outcomes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":      total,
		"by_outcome": counts,
	})
}
