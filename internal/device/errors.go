package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrReadOnly) {
//	    // reject the write
//	}
var (
	// ErrUnknownAttribute is returned when an attribute name is not one of the six device attributes.
	ErrUnknownAttribute = errors.New("device: unknown attribute")

	// ErrReadOnly is returned when an external write targets a non-writable attribute.
	ErrReadOnly = errors.New("device: attribute is read-only")

	// ErrInvalidValue is returned when a value does not match the attribute's kind.
	ErrInvalidValue = errors.New("device: invalid value")
)
