package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError represents a structured error with additional context
type GatewayError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// errorBody is the JSON document sent to clients. The "error" key carries the
// human readable message; "details" is present only when there is something to add.
type errorBody struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// WriteHTTP writes the error to an HTTP response
func (e *GatewayError) WriteHTTP(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(e.HTTPStatusCode())

	return json.NewEncoder(w).Encode(errorBody{Error: e.Message, Details: e.Details})
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Code {
	case CodeTargetUnresolved, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

const (
	CodeTargetUnresolved = "TARGET_UNRESOLVED"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeConfigError      = "CONFIG_ERROR"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
)

// UpstreamErrorMessage is the fixed message of every upstream failure response.
const UpstreamErrorMessage = "Bad Gateway: upstream error"

// NewTargetUnresolvedError reports a request for which no upstream could be determined.
func NewTargetUnresolvedError(message string) *GatewayError {
	return &GatewayError{
		Code:    CodeTargetUnresolved,
		Message: message,
	}
}

// NewUpstreamError wraps a transport failure talking to the resolved upstream.
// The underlying message is surfaced to the caller as details.
func NewUpstreamError(err error) *GatewayError {
	e := &GatewayError{
		Code:    CodeUpstreamError,
		Message: UpstreamErrorMessage,
		Err:     err,
	}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func NewConfigError(message string, err error) *GatewayError {
	return &GatewayError{
		Code:    CodeConfigError,
		Message: message,
		Err:     err,
	}
}

func NewValidationError(field, message string) *GatewayError {
	return &GatewayError{
		Code:    CodeValidationFailed,
		Message: fmt.Sprintf("Validation failed for field '%s': %s", field, message),
		Details: map[string]interface{}{
			"field": field,
		},
	}
}

// ErrInternal is written when a handler panics.
var ErrInternal = &GatewayError{
	Code:    CodeInternal,
	Message: "Internal Server Error",
}
