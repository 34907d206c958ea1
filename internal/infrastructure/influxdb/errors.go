package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps ping failures during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned once the client has been closed.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps every error handed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
