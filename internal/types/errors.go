package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400): malformed messages rejected synchronously at enqueue.
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationChannel      ErrorCode = "validation_invalid_channel"
	ErrCodeValidationPriority     ErrorCode = "validation_invalid_priority"
	ErrCodeValidationEmptyPayload ErrorCode = "validation_empty_payload"
	ErrCodeValidationRetryBudget  ErrorCode = "validation_invalid_retry_budget"

	// Capacity (429): queue or dead-letter store full; caller must back off.
	ErrCodeCapacityQueue      ErrorCode = "capacity_queue_exceeded"
	ErrCodeCapacityDeadLetter ErrorCode = "capacity_dead_letter_exceeded"

	// Rate limiting: admission is deferred by scheduling, never an error to
	// the enqueuing caller; this code surfaces only in telemetry.
	ErrCodeRateLimitDeferred ErrorCode = "rate_limit_deferred"

	// Delivery
	ErrCodeDeliveryTransient ErrorCode = "delivery_transient"
	ErrCodeDeliveryPermanent ErrorCode = "delivery_permanent"

	// Cycle processing
	ErrCodeSLAFreshnessBreach ErrorCode = "sla_freshness_breach"
	ErrCodeCycleSchemeFailed  ErrorCode = "cycle_scheme_failed"

	// Not Found (404)
	ErrCodeNotFoundMessage    ErrorCode = "not_found_message"
	ErrCodeNotFoundDeadLetter ErrorCode = "not_found_dead_letter"

	// Auth (401)
	ErrCodeAuthAPIKeyMissing ErrorCode = "auth_api_key_missing"
	ErrCodeAuthAPIKeyInvalid ErrorCode = "auth_api_key_invalid"

	// Internal/Upstream (500/502)
	ErrCodeInternalStore       ErrorCode = "internal_store_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamGateway     ErrorCode = "upstream_gateway_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the operator API to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "capacity_"):
		return http.StatusTooManyRequests
	case s == string(ErrCodeRateLimitDeferred):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the
// pipeline. All domain errors should be expressed as AppError to enable
// consistent classification, logging, and HTTP status mapping.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected when no AppError is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsTransientDelivery reports whether the error represents a retryable
// delivery failure. Unknown errors default to transient so a flaky gateway
// does not dead-letter messages prematurely.
func IsTransientDelivery(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeDeliveryPermanent:
			return false
		case ErrCodeDeliveryTransient, ErrCodeUpstreamGateway, ErrCodeUpstreamRateLimited:
			return true
		}
	}
	return true
}

// IsPermanentDelivery reports whether the error is a non-retryable delivery
// failure that should dead-letter immediately regardless of retry budget.
func IsPermanentDelivery(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeDeliveryPermanent
	}
	return false
}
