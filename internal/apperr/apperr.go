// Package apperr defines the error kinds shared by every circulation component.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a resource is already claimed or a request duplicates another.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState is returned when an operation is not valid for the entity's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation error")
	// ErrOutOfStock is returned by checkout when no copy of a book is available.
	ErrOutOfStock = errors.New("out of stock")
	// ErrRateLimited is returned when a caller exceeds its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Kind returns the sentinel the error wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrInvalidState, ErrValidation, ErrOutOfStock, ErrRateLimited} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// HTTPStatus maps an error to the status code reported by the HTTP surface.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrValidation:
		return http.StatusBadRequest
	case ErrConflict, ErrInvalidState, ErrOutOfStock:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable name of an error kind.
func Code(err error) string {
	switch Kind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrInvalidState:
		return "invalid_state"
	case ErrValidation:
		return "validation_error"
	case ErrOutOfStock:
		return "out_of_stock"
	case ErrRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}
