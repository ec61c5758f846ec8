package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// writeJSON writes v with status. Encoding failures can only be logged since
// the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}
