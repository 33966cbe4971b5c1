package navien

import "errors"

// Domain-specific errors for the Navien bridge.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfig is returned when the device descriptor set cannot be built
	// into a registry. Fatal at startup; never returned at runtime.
	ErrConfig = errors.New("navien: invalid device configuration")

	// ErrFrame is returned when frame bytes fail structural or checksum
	// validation. Recoverable: the decoder resynchronises on the next header.
	ErrFrame = errors.New("navien: invalid frame")

	// ErrIncomplete is returned when the buffered bytes may still grow into
	// a valid frame. Not a corruption signal; wait for more data.
	ErrIncomplete = errors.New("navien: incomplete frame")

	// ErrUnmappedValue is returned when a command value has no entry in the
	// descriptor's mapping table. Values are never coerced.
	ErrUnmappedValue = errors.New("navien: value not in mapping table")

	// ErrOutOfRange is returned when a target temperature falls outside the
	// descriptor's bounds or off its step grid.
	ErrOutOfRange = errors.New("navien: value out of range")

	// ErrUnsupportedMode is returned when a climate mode is not in the
	// descriptor's modes list.
	ErrUnsupportedMode = errors.New("navien: unsupported mode")

	// ErrUnknownEntity is returned when a command topic names an entity the
	// registry does not know. The command is reported and dropped.
	ErrUnknownEntity = errors.New("navien: unknown entity")
)
