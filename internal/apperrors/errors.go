// Package apperrors defines the error taxonomy shared by the ledger, the
// registry and the HTTP layer. Every rejection is a *AppError carrying a Kind;
// errors.Is matches on Kind, so callers compare against the Err* sentinels.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindTooManyPositions    Kind = "TOO_MANY_POSITIONS"
	KindLeverageCapExceeded Kind = "LEVERAGE_CAP_EXCEEDED"
	KindPositionNotFound    Kind = "POSITION_NOT_FOUND"
	KindFeeTooHigh          Kind = "FEE_TOO_HIGH"
	KindQuotaExceeded       Kind = "QUOTA_EXCEEDED"
	KindUnauthorizedFeed    Kind = "UNAUTHORIZED_FEED"
	KindNameUpdateTooSoon   Kind = "NAME_UPDATE_TOO_SOON"
	KindLimitNotIncreasing  Kind = "LIMIT_NOT_INCREASING"
	KindNotFound            Kind = "NOT_FOUND"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized        = &AppError{Kind: KindUnauthorized}
	ErrInvalidArgument     = &AppError{Kind: KindInvalidArgument}
	ErrTooManyPositions    = &AppError{Kind: KindTooManyPositions}
	ErrLeverageCapExceeded = &AppError{Kind: KindLeverageCapExceeded}
	ErrPositionNotFound    = &AppError{Kind: KindPositionNotFound}
	ErrFeeTooHigh          = &AppError{Kind: KindFeeTooHigh}
	ErrQuotaExceeded       = &AppError{Kind: KindQuotaExceeded}
	ErrUnauthorizedFeed    = &AppError{Kind: KindUnauthorizedFeed}
	ErrNameUpdateTooSoon   = &AppError{Kind: KindNameUpdateTooSoon}
	ErrLimitNotIncreasing  = &AppError{Kind: KindLimitNotIncreasing}
	ErrNotFound            = &AppError{Kind: KindNotFound}
	ErrRateLimited         = &AppError{Kind: KindRateLimited}
	ErrInternal            = &AppError{Kind: KindInternal}
)

// AppError is the standard error struct for the application.
type AppError struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any *AppError of the same Kind.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Kind == e.Kind
}

// HTTPStatus maps the error kind to a response status.
func (e *AppError) HTTPStatus() int {
	return StatusOf(e.Kind)
}

func New(kind Kind, msg string, cause error) *AppError {
	return &AppError{Kind: kind, Message: msg, Cause: cause}
}

func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an infrastructure failure (store, journal) so the caller
// sees a rejected operation.
func Internal(msg string, cause error) *AppError {
	return New(KindInternal, msg, cause)
}

// Wrap converts any error into an *AppError, defaulting to KindInternal.
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(KindInternal, err.Error(), err)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return Wrap(err).Kind
}

func StatusOf(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthorized, KindUnauthorizedFeed:
		return http.StatusForbidden
	case KindPositionNotFound, KindNotFound:
		return http.StatusNotFound
	case KindTooManyPositions, KindLeverageCapExceeded, KindFeeTooHigh,
		KindQuotaExceeded, KindNameUpdateTooSoon, KindLimitNotIncreasing:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
