package errors

import "errors"

var (
	// ErrNotLocked is returned by a strict registry when a key that is not
	// held is released.
	ErrNotLocked = errors.New("keylock: key is not locked")
	// ErrNilFunc is returned when WithLock is called without a function.
	ErrNilFunc          = errors.New("keylock: nil function")
	ErrConnectionClosed = errors.New("connection closed")
)
