package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"retryable,omitempty"`
	Err        error  `json:"-"`
}

func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so errors.Is works
// against the predefined values after WithDetails/WithError copies.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) clone() *AppError {
	c := *e
	return &c
}

func (e *AppError) WithDetails(details any) *AppError {
	c := e.clone()
	c.Details = details
	return c
}

func (e *AppError) WithError(err error) *AppError {
	c := e.clone()
	c.Err = err
	return c
}

func (e *AppError) WithMessage(message string) *AppError {
	c := e.clone()
	c.Message = message
	return c
}

// As extracts an *AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Reason returns the string detail of a validation error, if any.
func Reason(err error) string {
	appErr, ok := As(err)
	if !ok {
		return ""
	}
	if s, ok := appErr.Details.(string); ok {
		return s
	}
	return ""
}

// Validation reasons reported in Details.
const (
	ReasonInvalidAmount         = "invalid_amount"
	ReasonAmountExceedsCap      = "amount_exceeds_cap"
	ReasonAmountTooManyDecimals = "amount_too_many_decimals"
	ReasonBalanceExceedsCap     = "balance_exceeds_cap"
	ReasonInvalidAction         = "invalid_action"
	ReasonInvalidSymbol         = "invalid_symbol"
	ReasonInvalidSide           = "invalid_side"
	ReasonInvalidShares         = "invalid_shares"
	ReasonInvalidPrice          = "invalid_price"
	ReasonInvalidGranularity    = "invalid_granularity"
	ReasonReservedKey           = "reserved_idempotency_key"
)

var (
	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Malformed request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrInvalidToken = &AppError{
		Code:       "INVALID_TOKEN",
		Message:    "Invalid or malformed token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Invalid input",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrConflict = &AppError{
		Code:       "CONFLICT",
		Message:    "Resource already exists",
		HTTPStatus: http.StatusConflict,
	}

	ErrInsufficientFunds = &AppError{
		Code:       "INSUFFICIENT_FUNDS",
		Message:    "Insufficient balance for this transaction",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInsufficientShares = &AppError{
		Code:       "INSUFFICIENT_SHARES",
		Message:    "Not enough shares to sell",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrProviderUnavailable = &AppError{
		Code:       "PROVIDER_UNAVAILABLE",
		Message:    "No quote provider available",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrPersistence = &AppError{
		Code:       "PERSISTENCE_ERROR",
		Message:    "Storage temporarily unavailable, please retry",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}

	ErrRateLimited = &AppError{
		Code:       "RATE_LIMITED",
		Message:    "Too many requests, please try again later",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternal = &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    "An unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Service temporarily unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// Validation returns ErrValidation carrying a reason code.
func Validation(reason string) *AppError {
	return ErrValidation.WithDetails(reason)
}

// Persistence passes AppErrors through unchanged and wraps anything else
// as a retryable ErrPersistence.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return ErrPersistence.WithError(err)
}
