package idempotency

import "errors"

var (
	// ErrNotFound is returned by Store.Get when no entry exists for a key
	ErrNotFound = errors.New("cached response not found")

	// ErrRequestInProgress means a request with the same key is already executing
	ErrRequestInProgress = errors.New("request with this idempotency key is already in progress")
)
