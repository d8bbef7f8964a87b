package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/softdial/softdial/internal/database/models"
)

type rateRequest struct {
	Prefix    string  `json:"prefix"`
	Country   string  `json:"country"`
	PerMinute float64 `json:"per_minute"`
	Currency  string  `json:"currency"`
}

func (req *rateRequest) validate() string {
	if req.Prefix == "" {
		return "prefix is required"
	}
	for _, c := range req.Prefix {
		if c < '0' || c > '9' {
			return "prefix must contain only digits"
		}
	}
	if req.PerMinute < 0 {
		return "per_minute must not be negative"
	}
	return ""
}

// handleListRates returns all rate entries.
func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.rates.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list rates", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rates")
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

// handleCreateRate adds a rate entry.
func (s *Server) handleCreateRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rate := &models.Rate{
		Prefix:    req.Prefix,
		Country:   req.Country,
		PerMinute: req.PerMinute,
		Currency:  req.Currency,
	}
	if err := s.rates.Create(r.Context(), rate); err != nil {
		s.logger.Error("failed to create rate", "error", err, "prefix", req.Prefix)
		writeError(w, http.StatusConflict, "failed to create rate")
		return
	}

	writeJSON(w, http.StatusCreated, rate)
}

// handleGetRate returns one rate entry by ID.
func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	id, err := rateID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rate id")
		return
	}

	rate, err := s.rates.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "rate not found")
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// handleUpdateRate replaces a rate entry.
func (s *Server) handleUpdateRate(w http.ResponseWriter, r *http.Request) {
	id, err := rateID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rate id")
		return
	}

	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rate := &models.Rate{
		ID:        id,
		Prefix:    req.Prefix,
		Country:   req.Country,
		PerMinute: req.PerMinute,
		Currency:  req.Currency,
	}
	if err := s.rates.Update(r.Context(), rate); err != nil {
		writeError(w, http.StatusNotFound, "rate not found")
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// handleDeleteRate removes a rate entry.
func (s *Server) handleDeleteRate(w http.ResponseWriter, r *http.Request) {
	id, err := rateID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rate id")
		return
	}

	if err := s.rates.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "rate not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleMatchRate returns the longest-prefix rate for a number, used by the
// dialer to show pricing before a call is placed.
func (s *Server) handleMatchRate(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("number")
	if number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	rate, err := s.rates.MatchPrefix(r.Context(), number)
	if err != nil {
		s.logger.Error("rate lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rate lookup failed")
		return
	}
	if rate == nil {
		writeError(w, http.StatusNotFound, "no rate for number")
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func rateID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
