package session

import "errors"

var (
	// ErrInvalidInput marks requests that fail validation before any
	// storage work happens.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks lookups for sessions that do not exist, expired
	// cache entries included.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks operations refused because a storage backend
	// rejected the write.
	ErrUnavailable = errors.New("storage unavailable")
)
