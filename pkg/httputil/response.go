// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felthorpe/acsp-members/pkg/members"
	"github.com/felthorpe/acsp-members/pkg/observability"
	"github.com/felthorpe/acsp-members/pkg/profiles"
)

// Canonical response bodies. The not-found body is deliberately generic
// and the forbidden body never names the rule that failed: resource
// existence and denial detail are not leaked to callers.
const (
	NotFoundMessage     = "not found: check the request and try again"
	ForbiddenMessage    = "forbidden"
	UnauthorizedMessage = "unauthorized"
	InternalMessage     = "internal server error"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusUnauthorized, UnauthorizedMessage)
}

// WriteForbidden writes the uniform forbidden error (403)
func WriteForbidden(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusForbidden, ForbiddenMessage)
}

// WriteNotFound writes the generic not found error (404)
func WriteNotFound(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusNotFound, NotFoundMessage)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusConflict, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteInternalError writes an internal server error response (500). The
// underlying error is logged, never echoed to the client.
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, InternalMessage)
}

// WriteCreated writes a successful creation response (201) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteDomainError maps a membership domain error onto the response
// taxonomy. Anything outside the taxonomy, collaborator timeouts
// included, is an internal failure.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, members.ErrMalformed):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, members.ErrDuplicate):
		WriteBadRequest(w, members.ErrDuplicate.Error())
	case errors.Is(err, members.ErrForbidden):
		WriteForbidden(w)
	case errors.Is(err, members.ErrNotFound):
		WriteNotFound(w)
	case errors.Is(err, members.ErrConflict):
		WriteConflict(w, members.ErrConflict.Error())
	default:
		logger := observability.FromContext(r.Context())
		if profiles.IsTimeout(err) {
			logger.WithError(err).Error("collaborator call timed out")
		} else {
			logger.WithError(err).Error("request failed")
		}
		WriteInternalError(w)
	}
}
