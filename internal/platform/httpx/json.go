// Package httpx holds the JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error reasons returned in {"error": reason} bodies.
const (
	ReasonTokenMissing       = "token_missing"
	ReasonTokenExpired       = "token_expired"
	ReasonTokenInvalid       = "token_invalid"
	ReasonTokenScopeMismatch = "token_scope_mismatch"
	ReasonNotFound           = "not_found"
	ReasonNotReady           = "not_ready"
	ReasonForbidden          = "forbidden"
	ReasonMalformedRange     = "malformed_range"
	ReasonUnauthorized       = "unauthorized"
	ReasonInternal           = "internal"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes {"error": reason} with status.
func WriteError(w http.ResponseWriter, status int, reason string) {
	WriteJSON(w, status, ErrorBody{Error: reason})
}
