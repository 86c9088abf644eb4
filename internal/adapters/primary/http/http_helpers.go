package http

import (
	"encoding/json"
	"net/http"
)

// WriteJSON is a helper to standardize JSON responses.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header is already sent, so an encode failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// SuccessResponse is the acknowledgement body of the ingestion endpoints.
type SuccessResponse struct {
	Success bool `json:"success"`
}
