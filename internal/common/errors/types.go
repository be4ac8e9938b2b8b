package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents connection-related errors
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeAuth represents authentication errors
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"

	// ErrTypeInvalidState represents a rejected OAuth state token
	// (unknown, already consumed, or expired)
	ErrTypeInvalidState ErrorType = "invalid_state"
	// ErrTypeTokenExchange represents a provider rejecting an
	// authorization code during the token exchange
	ErrTypeTokenExchange ErrorType = "token_exchange"
	// ErrTypeRefreshFailed represents a failed token refresh that
	// requires the tenant to reconnect the integration
	ErrTypeRefreshFailed ErrorType = "refresh_failed"
	// ErrTypeRateLimited represents an exhausted rate limit window
	ErrTypeRateLimited ErrorType = "rate_limited"
	// ErrTypeSyncInProgress represents a rejected sync trigger because
	// another job is already pending or running for the integration
	ErrTypeSyncInProgress ErrorType = "sync_in_progress"
	// ErrTypeProviderTransient represents a retryable provider failure
	// (network error, 5xx, 429)
	ErrTypeProviderTransient ErrorType = "provider_transient"
	// ErrTypeProviderPermanent represents a non-retryable provider
	// failure (4xx other than 401/429, malformed payload)
	ErrTypeProviderPermanent ErrorType = "provider_permanent"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// AuthError creates a new authentication error
func AuthError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeAuth,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// InvalidStateError creates an error for a rejected OAuth state token.
// Surfaced to the user as "please retry connecting".
func InvalidStateError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeInvalidState,
		Message: msg,
	}
}

// TokenExchangeError creates an error for a provider rejecting an
// authorization code. Authorization codes are single-use, so this is
// surfaced to the caller and never retried.
func TokenExchangeError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTokenExchange,
		Message: msg,
		Cause:   cause,
	}
}

// RefreshFailedError creates an error for a failed token refresh.
// The integration must be reconnected by the tenant.
func RefreshFailedError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeRefreshFailed,
		Message: msg,
		Cause:   cause,
	}
}

// RateLimitedError creates an error for an exhausted rate limit window
func RateLimitedError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimited,
		Message: fmt.Sprintf("rate limit exceeded for %s", resource),
	}
}

// SyncInProgressError creates an error for a sync trigger rejected
// because a job is already pending or running for the integration
func SyncInProgressError(integrationID string) *AppError {
	return &AppError{
		Type:    ErrTypeSyncInProgress,
		Message: fmt.Sprintf("sync already in progress for integration %s", integrationID),
	}
}

// ProviderTransientError creates a retryable provider error
func ProviderTransientError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeProviderTransient,
		Message: msg,
		Cause:   cause,
	}
}

// ProviderPermanentError creates a non-retryable provider error
func ProviderPermanentError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeProviderPermanent,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsRetryable reports whether the sync engine should retry after this
// error. Only transient provider failures and rate-limit denials are
// recovered locally; everything else is terminal for the current job.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrTypeProviderTransient, ErrTypeRateLimited, ErrTypeConnection:
		return true
	default:
		return false
	}
}
