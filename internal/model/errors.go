package model

import "errors"

// Error kinds surfaced by the core. Callers wrap them with context via
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrUnauthenticated    = errors.New("unauthenticated")

	// ErrUnavailable marks transient persistence failures that are safe to retry.
	ErrUnavailable = errors.New("persistence unavailable")
)
