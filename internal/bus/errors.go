package bus

import "errors"

// Domain-specific errors for gateway operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("bus: connection failed")

	// ErrNotConnected is returned when writing while disconnected.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrWriteFailed is returned when a frame write fails.
	ErrWriteFailed = errors.New("bus: write failed")
)
