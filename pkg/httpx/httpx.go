package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// WriteError emits the flat error envelope used across the exchange API:
// {"error": <message>, ...extra}.
func WriteError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	resp := map[string]any{"error": message}
	for k, v := range extra {
		resp[k] = v
	}
	WriteJSON(w, status, resp)
}

// WriteReadError maps a ReadJSON failure to 413 when the body blew the
// MaxBytesReader cap, 400 otherwise.
func WriteReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return
	}
	WriteError(w, http.StatusBadRequest, "invalid JSON body", nil)
}
