package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification indicates an optimistic version mismatch.
	// Callers should refetch and retry once; the core never retries itself.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrForbidden indicates the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")
)
