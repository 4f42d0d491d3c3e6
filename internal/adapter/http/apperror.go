package http

import (
	"errors"
	"net/http"

	"github.com/fixora/sagacore/internal/domain"
)

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *AppError) Error() string {
	return e.Message
}

func NewBadRequest(message string) *AppError {
	return &AppError{Code: "BAD_REQUEST", Message: message, Status: http.StatusBadRequest}
}

func NewUnauthorized(message string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Message: message, Status: http.StatusUnauthorized}
}

func NewForbidden(message string) *AppError {
	return &AppError{Code: "FORBIDDEN", Message: message, Status: http.StatusForbidden}
}

func NewNotFound(message string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: message, Status: http.StatusNotFound}
}

func NewConflict(message string) *AppError {
	return &AppError{Code: "CONFLICT", Message: message, Status: http.StatusConflict}
}

func NewInternalServer(message string) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Message: message, Status: http.StatusInternalServerError}
}

// MapError translates domain errors into API errors. Anything unrecognised
// becomes a 500 without leaking the cause.
func MapError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return NewBadRequest(err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return NewNotFound(err.Error())
	case errors.Is(err, domain.ErrNotEligible):
		return NewForbidden(err.Error())
	case errors.Is(err, domain.ErrGateClosed),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrActiveSagaExists),
		errors.Is(err, domain.ErrDuplicateEvent):
		return NewConflict(err.Error())
	default:
		return NewInternalServer("An unexpected error occurred")
	}
}
