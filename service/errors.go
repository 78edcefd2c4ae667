package service

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrDishNotFound    = errors.New("dish not found")
	ErrDishUnavailable = errors.New("dish is not available")
	ErrOrderNotFound   = errors.New("order not found")
	ErrInvalidStatus   = errors.New("unknown order status")
	ErrForbidden       = errors.New("operation not permitted")
	// ErrConflict means another update changed the order first.
	ErrConflict = errors.New("order was modified concurrently")
)

// ValidationError rejects input before anything is queued or written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
