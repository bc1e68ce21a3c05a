// Package apierr renders the dispatcher's stable, machine-readable error
// responses.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is a caller-visible error class. Its Code is part of the public
// contract and must not change.
type Kind struct {
	Status int
	Code   string
}

var (
	AccessDenied         = Kind{http.StatusForbidden, "access_denied"}
	RateLimited          = Kind{http.StatusTooManyRequests, "rate_limited"}
	TenantNotFound       = Kind{http.StatusNotFound, "tenant_not_found"}
	AmbiguousSignal      = Kind{http.StatusBadRequest, "tenant_signal_missing"}
	InvalidRequest       = Kind{http.StatusBadRequest, "invalid_request"}
	NotFound             = Kind{http.StatusNotFound, "not_found"}
	InferenceUnavailable = Kind{http.StatusServiceUnavailable, "inference_unavailable"}
	InferenceRejected    = Kind{http.StatusBadGateway, "inference_rejected"}
	Internal             = Kind{http.StatusInternalServerError, "internal_error"}
)

// Error is the JSON body written for every rejection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Error Error `json:"error"`
}

// Write sends kind's status with a JSON body carrying its code and msg.
func Write(w http.ResponseWriter, kind Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: Error{Code: kind.Code, Message: msg}})
}

// Decode parses an error body; used by tests and clients of the contract.
func Decode(body []byte) (Error, error) {
	var env envelope
	err := json.Unmarshal(body, &env)
	return env.Error, err
}
