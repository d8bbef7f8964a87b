package api

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/softdial/softdial/internal/callflow"
)

type placeCallRequest struct {
	Number string `json:"number"`
}

type dtmfRequest struct {
	Digit string `json:"digit"`
}

type microphoneReport struct {
	Granted   bool   `json:"granted"`
	ErrorKind string `json:"error_kind"`
}

// handlePlaceCall starts an outbound call for the authenticated dialer.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	if err := s.controller.PlaceCall(r.Context(), req.Number); err != nil {
		s.writeCallError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, s.controller.Snapshot())
}

// handleHangUp terminates the active call. Hanging up with no active call is
// a no-op so a stale client cannot error out.
func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.HangUp(); err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// handleSendDTMF forwards a single DTMF digit to the active call.
func (s *Server) handleSendDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if utf8.RuneCountInString(req.Digit) != 1 {
		writeError(w, http.StatusBadRequest, "digit must be a single character")
		return
	}

	digit, _ := utf8.DecodeRuneInString(req.Digit)
	if err := s.controller.SendDTMF(digit); err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digit": req.Digit})
}

// handleCallState returns the current engine snapshot for UI polling.
func (s *Server) handleCallState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// handleReconnect triggers a manual reconnection attempt, resetting the
// automatic backoff schedule.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.controller.TriggerManualReconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// handleMicrophoneReport records the browser's microphone permission state
// so subsequent PlaceCall checks reflect reality.
func (s *Server) handleMicrophoneReport(w http.ResponseWriter, r *http.Request) {
	var req microphoneReport
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.device.Report(req.Granted, req.ErrorKind)
	writeJSON(w, http.StatusOK, map[string]bool{"granted": req.Granted})
}

// writeCallError maps engine errors onto HTTP status codes.
func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	if errors.Is(err, callflow.ErrCallInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, callflow.ErrNoActiveCall) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	var callErr *callflow.CallError
	if errors.As(err, &callErr) {
		writeError(w, statusForCategory(callErr.Category), callErr.Message)
		return
	}

	s.logger.Error("call operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func statusForCategory(cat callflow.ErrorCategory) int {
	switch cat {
	case callflow.ErrorInvalidNumber:
		return http.StatusBadRequest
	case callflow.ErrorMicrophoneUnavailable:
		return http.StatusConflict
	case callflow.ErrorNetworkFailure:
		return http.StatusServiceUnavailable
	case callflow.ErrorAuthenticationFailure, callflow.ErrorInvalidConfiguration:
		return http.StatusBadGateway
	case callflow.ErrorProviderInternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
