// Package handlers provides HTTP request handlers for the v6ledger API.
// This file contains the helpers every handler group shares: the response
// envelope, request body decoding and query parameter parsing.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anstrom/v6ledger/internal/api/middleware"
	"github.com/anstrom/v6ledger/internal/errors"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

// DefaultMaxRequestSize bounds a request body when no limit is configured.
const DefaultMaxRequestSize = 16 * 1024 * 1024

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The status line is already out; nothing else can be sent.
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeSuccess writes a success envelope.
func writeSuccess(w http.ResponseWriter, r *http.Request, statusCode int, message string, data interface{}) {
	writeJSON(w, r, statusCode, reconcile.Envelope{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// writeError writes a failure envelope. The status and message come from the
// error's code; internal faults get a generic message and are logged in full.
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *logging.Logger) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"code", errors.GetCode(err),
			"error", err)
	}

	writeJSON(w, r, status, reconcile.Envelope{
		Success: false,
		Message: errors.PublicMessage(err),
	})
}

// parseJSON decodes a request body into dest. Unknown fields, trailing data
// and oversized bodies are validation errors.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, maxSize int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewValidationError("request body is empty")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewValidationError(fmt.Sprintf("request body too large (max %d bytes)", tooLarge.Limit))
		}
		return errors.NewValidationError("invalid JSON: " + err.Error())
	}
	if decoder.More() {
		return errors.NewValidationError("invalid JSON: unexpected data after the request object")
	}

	return nil
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.NewValidationError(fmt.Sprintf("invalid %s parameter: %q", key, value))
	}
	return n, nil
}
