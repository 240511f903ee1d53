// Package api exposes the protocol's caller-facing operations over HTTP.
// Error responses use RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/guardline-labs/secureop/pkg/engine"
	"github.com/guardline-labs/secureop/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://guardline.dev/secureop/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded")
}

// WriteProtocolError maps the protocol error taxonomy onto stable HTTP
// statuses.
func WriteProtocolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, engine.ErrUnknownOperationType):
		WriteError(w, http.StatusNotFound, "Unknown Operation Type", err.Error())
	case errors.Is(err, engine.ErrUnauthorizedCaller):
		WriteError(w, http.StatusForbidden, "Unauthorized Caller", err.Error())
	case errors.Is(err, engine.ErrInvalidSignature):
		WriteError(w, http.StatusForbidden, "Invalid Signature", err.Error())
	case errors.Is(err, engine.ErrInvalidState):
		WriteError(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, engine.ErrCancelGuardActive):
		WriteError(w, http.StatusConflict, "Cancellation Guard Active", err.Error())
	case errors.Is(err, store.ErrNonceUsed):
		WriteError(w, http.StatusConflict, "Nonce Used", err.Error())
	case errors.Is(err, engine.ErrTimeLockNotElapsed):
		WriteError(w, http.StatusPreconditionFailed, "Time-Lock Not Elapsed", err.Error())
	case errors.Is(err, engine.ErrExpiredDeadline):
		WriteError(w, http.StatusBadRequest, "Expired Deadline", err.Error())
	case errors.Is(err, engine.ErrGasPriceTooHigh):
		WriteError(w, http.StatusBadRequest, "Gas Price Too High", err.Error())
	case errors.Is(err, engine.ErrHandlerMismatch):
		WriteError(w, http.StatusBadRequest, "Handler Mismatch", err.Error())
	case errors.Is(err, engine.ErrUnderlyingActionFailed):
		WriteError(w, http.StatusBadGateway, "Underlying Action Failed", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "Internal Error", err.Error())
	}
}
