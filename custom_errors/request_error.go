package custom_errors

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError is a typed, caller-facing error. Validation failures are
// returned synchronously and never written to a job record.
type RequestError struct {
	Code       string         `json:"error"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"-"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsRequestError unwraps err into a RequestError when one is present.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func NewInvalidRequest(message string) *RequestError {
	return &RequestError{Code: "invalid_request", Message: message, HTTPStatus: http.StatusBadRequest}
}

func NewEmptyURLs() *RequestError {
	return &RequestError{Code: "empty_urls", Message: "URLs array cannot be empty", HTTPStatus: http.StatusBadRequest}
}

func NewTooManyURLs(max, received int) *RequestError {
	return &RequestError{
		Code:       "too_many_urls",
		Message:    fmt.Sprintf("Maximum %d URLs per batch", max),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"max_allowed": max, "received": received},
	}
}

func NewNoValidURLs() *RequestError {
	return &RequestError{Code: "no_valid_urls", Message: "No valid URLs provided", HTTPStatus: http.StatusBadRequest}
}

func NewNotFound(message string) *RequestError {
	return &RequestError{Code: "not_found", Message: message, HTTPStatus: http.StatusNotFound}
}

func NewMissingBatchID() *RequestError {
	return &RequestError{
		Code:       "missing_batch_id",
		Message:    "Either batch_id or job_id query parameter is required",
		HTTPStatus: http.StatusBadRequest,
	}
}

func NewQueueUnavailable(message string) *RequestError {
	return &RequestError{Code: "queue_unavailable", Message: message, HTTPStatus: http.StatusServiceUnavailable}
}
