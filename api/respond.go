package api

import (
	"encoding/json"
	"net/http"
)

// Error is the uniform JSON error body for every non-2xx response.
type Error struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e Error) Error() string {
	return e.Message
}

// WriteJSON writes v to w as a 200 OK JSON response.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as a JSON error body with the given status code.
func WriteError(w http.ResponseWriter, err Error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(err)
}
