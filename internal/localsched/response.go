package localsched

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// envelope wraps every response of the local scheduler.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, envelope{Status: "ok", RequestID: RequestIDFromContext(r.Context()), Data: raw})
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, status, envelope{Status: "error", RequestID: RequestIDFromContext(r.Context()), Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
