package api

import (
	"errors"
	"fmt"
	"time"
)

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrSignatureInvalid   = errors.New("token signature invalid")
	ErrTokenReuse         = errors.New("refresh token reuse detected")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrTenantInactive     = errors.New("tenant inactive")
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantMismatch     = errors.New("tenant mismatch")
)

// Admission errors.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrQuotaExceeded     = errors.New("quota exceeded")
)

// Dependency errors.
var (
	ErrCircuitOpen       = errors.New("circuit open")
	ErrDownstreamTimeout = errors.New("downstream timeout")
	// ErrDownstreamFailed marks any other failure of a dependency to answer.
	ErrDownstreamFailed = errors.New("downstream failed")
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeAuthentication  ErrorType = "authentication_error"
	ErrorTypePermission      ErrorType = "permission_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeUnavailable     ErrorType = "service_unavailable"
	ErrorTypeServerError     ErrorType = "server_error"
)

// APIError is the client-facing form of an error: a stable machine code
// and a generic message. RetryAfter is set for retryable failures.
type APIError struct {
	Type       ErrorType     `json:"type"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// Retryable is implemented by errors that carry a suggested retry delay.
type Retryable interface {
	error
	RetryAfter() time.Duration
}

// RetryableError attaches a retry delay to a sentinel error.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

// NewRetryableError wraps err with a retry delay.
func NewRetryableError(err error, delay time.Duration) *RetryableError {
	return &RetryableError{Err: err, Delay: delay}
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Delay)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RetryAfter returns the suggested delay before retrying.
func (e *RetryableError) RetryAfter() time.Duration { return e.Delay }

// RetryAfter extracts the retry delay from anywhere in err's chain.
// The boolean is false when err is not retryable.
func RetryAfter(err error) (time.Duration, bool) {
	var r Retryable
	if errors.As(err, &r) {
		return r.RetryAfter(), true
	}
	return 0, false
}

// errorMapping describes how a sentinel is presented to clients.
type errorMapping struct {
	sentinel error
	typ      ErrorType
	code     string
	message  string
}

// mappings is ordered: the first sentinel matched by errors.Is wins.
var mappings = []errorMapping{
	{ErrTokenReuse, ErrorTypeAuthentication, "token_reuse", "authentication required"},
	{ErrTokenRevoked, ErrorTypeAuthentication, "token_revoked", "authentication required"},
	{ErrTokenExpired, ErrorTypeAuthentication, "token_expired", "token expired"},
	{ErrSignatureInvalid, ErrorTypeAuthentication, "invalid_token", "authentication required"},
	{ErrInvalidCredentials, ErrorTypeAuthentication, "invalid_credentials", "invalid credentials"},
	{ErrTenantMismatch, ErrorTypePermission, "tenant_mismatch", "access denied"},
	{ErrTenantInactive, ErrorTypePermission, "tenant_inactive", "access denied"},
	{ErrTenantNotFound, ErrorTypePermission, "tenant_invalid", "access denied"},
	{ErrRateLimitExceeded, ErrorTypeTooManyRequests, "rate_limit_exceeded", "rate limit exceeded"},
	{ErrQuotaExceeded, ErrorTypeTooManyRequests, "quota_exceeded", "quota exceeded"},
	{ErrCircuitOpen, ErrorTypeUnavailable, "dependency_unavailable", "service temporarily unavailable"},
	{ErrDownstreamTimeout, ErrorTypeUnavailable, "dependency_timeout", "service temporarily unavailable"},
	{ErrDownstreamFailed, ErrorTypeUnavailable, "dependency_error", "service temporarily unavailable"},
}

// ToAPIError converts any error into its client-facing form. Unknown
// errors become a generic server error; the original message is dropped.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, m := range mappings {
		if errors.Is(err, m.sentinel) {
			out := &APIError{Type: m.typ, Code: m.code, Message: m.message}
			if d, ok := RetryAfter(err); ok {
				out.RetryAfter = d
			}
			return out
		}
	}

	return NewServerError("internal error")
}

// NewInvalidRequestError creates an APIError for malformed requests.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Code:    "invalid_request",
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Code:    "internal_error",
		Message: message,
	}
}

// IsAuthenticationError reports whether err belongs to the authentication family.
func IsAuthenticationError(err error) bool {
	for _, s := range []error{
		ErrInvalidCredentials, ErrTokenExpired, ErrSignatureInvalid, ErrTokenReuse,
		ErrTokenRevoked, ErrTenantInactive, ErrTenantNotFound, ErrTenantMismatch,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Code returns the stable client code for err, or "internal_error".
func Code(err error) string {
	if err == nil {
		return ""
	}
	return ToAPIError(err).Code
}
