package service

import "errors"

var (
	// ErrDuplicateIdempotencyKey is returned with the already stored entry
	// when an append repeats a key with the same payload. Benign.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyReused means a key was sent again with a different payload
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with a different payload")

	// ErrStoreUnavailable wraps transient storage failures. Callers may retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrInvalidLimit  = errors.New("limit must be at least 1")
	ErrInvalidPeriod = errors.New("invalid leaderboard period")
	ErrInvalidDraft  = errors.New("invalid ledger entry")
	ErrEntryNotFound = errors.New("ledger entry not found")
	ErrMissingUser   = errors.New("user id is required")
)
