package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/serialentry"
)

// ErrorBody is the error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// AppError carries an error code and HTTP status through handler code.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func newAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// JSON writes v as JSON with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{Code: code, Message: message, Details: details},
	})
}

// writeError maps engine and store errors onto HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		JSONError(w, http.StatusUnprocessableEntity, "INVALID_DEFINITION", "definition failed validation", fields)
	case errors.Is(err, ErrSessionNotFound):
		JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, serialentry.ErrInvalidColumn):
		JSONError(w, http.StatusUnprocessableEntity, "INVALID_COLUMN", err.Error(), nil)
	case errors.Is(err, serialentry.ErrUnknownRow):
		JSONError(w, http.StatusNotFound, "ROW_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, serialentry.ErrNotLoaded), errors.Is(err, serialentry.ErrBuildFailed):
		JSONError(w, http.StatusConflict, "SESSION_NOT_LOADED", err.Error(), nil)
	case errors.Is(err, ErrPendingSave):
		JSONError(w, http.StatusConflict, "SAVE_PENDING", err.Error(), nil)
	case errors.Is(err, changeset.ErrStoreUnavailable):
		JSONError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, query.ErrUnknownStatement):
		JSONError(w, http.StatusUnprocessableEntity, "UNKNOWN_STATEMENT", err.Error(), nil)
	case errors.Is(err, query.ErrCancelled):
		JSONError(w, http.StatusGatewayTimeout, "CANCELLED", err.Error(), nil)
	default:
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return newAppError("INVALID_JSON", "request body is not valid JSON", http.StatusBadRequest, err)
	}
	return nil
}
