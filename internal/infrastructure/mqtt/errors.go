package mqtt

import "errors"

// Errors returned by the client; check them with errors.Is.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrPublishFailed    = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed covers both subscribe and unsubscribe failures.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
