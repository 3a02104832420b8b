// Package errors provides the categorized error taxonomy for the payment flow.
// Driver and verifier failures are typed (category + retryable flag) so that
// calling layers can decide programmatically whether to retry, release the
// reservation, or prompt the user.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/canvas-market/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents request validation errors (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors (occupied area, duplicate session)
	CategoryConflict ErrorCategory = "conflict"
	// CategoryInvalidState represents rejected transitions on terminal records
	CategoryInvalidState ErrorCategory = "invalid_state"
	// CategoryUserAction represents outcomes driven by the paying user (rejection)
	CategoryUserAction ErrorCategory = "user_action"
	// CategoryChain represents failures confirmed by the blockchain
	CategoryChain ErrorCategory = "chain"
	// CategoryNetwork represents transient RPC or connectivity failures
	CategoryNetwork ErrorCategory = "network"
	// CategoryDatabase represents backing store failures
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents unexpected internal failures
	CategorySystem ErrorCategory = "system"
	// CategoryRateLimit represents throttled requests
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// PaymentError represents an error with category, HTTP mapping, and retry semantics
type PaymentError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the operation may be retried with fresh chain state
func (e *PaymentError) Retryable() bool {
	switch e.Category {
	case CategoryNetwork, CategoryDatabase:
		return true
	case CategoryUserAction:
		// Rejection is recoverable by the user, not by automatic retry
		return false
	default:
		return false
	}
}

// ToServiceError converts to the wire-level ServiceError
func (e *PaymentError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a request validation error
func NewValidationError(message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
		Message:    message,
		Details:    details,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id interface{}) *PaymentError {
	return &PaymentError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %v", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error (occupied area, duplicate active
// session, duplicate signature). Reported distinctly from validation errors
// so the client can branch.
func NewConflictError(message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
		Details:    details,
	}
}

// NewInvalidStateError creates an invalid state transition error
func NewInvalidStateError(message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Category:   CategoryInvalidState,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "INVALID_STATE",
		Message:    message,
		Details:    details,
	}
}

// NewInsufficientFundsError creates a balance pre-check failure
func NewInsufficientFundsError(required, available string, token types.TokenSymbol) *PaymentError {
	return &PaymentError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INSUFFICIENT_FUNDS",
		Message:    fmt.Sprintf("insufficient %s balance: required %s, available %s", token, required, available),
		Details: map[string]interface{}{
			"required":  required,
			"available": available,
			"token":     token,
		},
	}
}

// NewUserRejectedError creates a signer rejection outcome. Not a terminal
// payment failure: the session stays retryable and no rollback is performed.
func NewUserRejectedError() *PaymentError {
	return &PaymentError{
		Category:   CategoryUserAction,
		StatusCode: http.StatusConflict,
		Code:       "USER_REJECTED",
		Message:    "signature request was rejected by the wallet",
	}
}

// NewBlockchainError creates an error confirmed by the chain itself
func NewBlockchainError(message string, chainErr interface{}) *PaymentError {
	return &PaymentError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       "BLOCKCHAIN_ERROR",
		Message:    message,
		Details: map[string]interface{}{
			"chainError": chainErr,
		},
	}
}

// NewNetworkError creates a transient RPC failure
func NewNetworkError(message string, cause error) *PaymentError {
	return &PaymentError{
		Category:   CategoryNetwork,
		StatusCode: http.StatusBadGateway,
		Code:       "NETWORK_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewTimeoutError creates a confirmation timeout error
func NewTimeoutError(message string) *PaymentError {
	return &PaymentError{
		Category:   CategoryNetwork,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "TIMEOUT",
		Message:    message,
	}
}

// NewDatabaseError creates a backing store error
func NewDatabaseError(operation string, cause error) *PaymentError {
	return &PaymentError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *PaymentError {
	return &PaymentError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewRateLimitError creates a throttling error
func NewRateLimitError(retryAfter int) *PaymentError {
	return &PaymentError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *PaymentError {
	if err == nil {
		return nil
	}

	var payErr *PaymentError
	if errors.As(err, &payErr) {
		return payErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *PaymentError {
	switch err.Code {
	case "VALIDATION_ERROR", "INSUFFICIENT_FUNDS":
		return &PaymentError{
			Category:   CategoryValidation,
			StatusCode: http.StatusBadRequest,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "NOT_FOUND":
		return &PaymentError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "CONFLICT", "USER_REJECTED":
		return &PaymentError{
			Category:   CategoryConflict,
			StatusCode: http.StatusConflict,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "INVALID_STATE":
		return &PaymentError{
			Category:   CategoryInvalidState,
			StatusCode: http.StatusUnprocessableEntity,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	default:
		return &PaymentError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if payErr := Categorize(err); payErr != nil {
		return payErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	payErr := Categorize(err)
	if payErr == nil {
		return false
	}
	return payErr.Retryable()
}

// IsCode reports whether the error carries the given code
func IsCode(err error, code string) bool {
	payErr := Categorize(err)
	return payErr != nil && payErr.Code == code
}
