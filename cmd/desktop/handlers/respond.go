// Package handlers provides REST API handlers for plants and sync operations.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps an error code to an HTTP status and writes a JSON body.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      code,
		"retryable": apperrors.IsRetryable(err),
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrOffline:
		return http.StatusConflict
	case apperrors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case apperrors.ErrUpload, apperrors.ErrExtraction, apperrors.ErrPersistence, apperrors.ErrFetch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
