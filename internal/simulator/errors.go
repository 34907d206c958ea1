package simulator

import "errors"

var (
	// ErrInvalidRange is returned for a sampling range that is inverted or
	// leaves the physical bounds of the attribute.
	ErrInvalidRange = errors.New("simulator: invalid sampling range")

	// ErrAlreadyRunning is returned when Run is called a second time.
	ErrAlreadyRunning = errors.New("simulator: worker already started")

	// ErrInvalidCommand is returned for a malformed MQTT command payload.
	ErrInvalidCommand = errors.New("simulator: invalid command")
)
