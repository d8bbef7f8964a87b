package api

import "net/http"

// settableKeys limits which system configuration keys the API may change.
var settableKeys = map[string]bool{
	"caller_id":          true,
	"history_retention":  true,
	"default_currency":   true,
	"dialer_banner_text": true,
}

// handleGetSettings returns all system configuration entries.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	entries, err := s.sysConfig.GetAll(r.Context())
	if err != nil {
		s.logger.Error("failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	settings := make(map[string]string, len(entries))
	for _, e := range entries {
		settings[e.Key] = e.Value
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings upserts the provided configuration keys. Unknown keys
// are rejected so typos do not silently create dead entries.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no settings provided")
		return
	}

	for key := range req {
		if !settableKeys[key] {
			writeError(w, http.StatusBadRequest, "unknown setting: "+key)
			return
		}
	}

	for key, value := range req {
		if err := s.sysConfig.Set(r.Context(), key, value); err != nil {
			s.logger.Error("failed to save setting", "error", err, "key", key)
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}
