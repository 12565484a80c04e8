// Package handlers implements the owner-facing admin API. These endpoints
// manage connectors and shared links; they are never exposed to proxy
// clients.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeServiceError maps service errors to admin API responses. The admin
// surface is owner-scoped and authenticated upstream, so it may be specific
// where the proxy surface must stay indistinct.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrMalformedRequest):
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()) //nolint:errcheck
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrTokenNotFound):
		ErrorResponse(w, http.StatusNotFound, "not_found", "resource not found") //nolint:errcheck
	case errors.Is(err, apperrors.ErrConflict):
		ErrorResponse(w, http.StatusConflict, "conflict", "a resource with that name already exists") //nolint:errcheck
	default:
		ErrorResponse(w, http.StatusInternalServerError, "internal_error", "internal error") //nolint:errcheck
	}
}
