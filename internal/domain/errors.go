package domain

import "errors"

var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	// ErrIdempotencyKeyReuse is returned when a key is presented again with a different request body.
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different request")
	ErrQueueSaturated      = errors.New("queue saturated")
	ErrLeaseLost           = errors.New("job lease lost")
	ErrInvalidTransition   = errors.New("invalid status transition")
)
