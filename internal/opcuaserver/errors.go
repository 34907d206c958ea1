package opcuaserver

import "errors"

// Domain errors for the OPC-UA server.
var (
	// ErrInvalidEndpoint is returned when the endpoint URL cannot be parsed
	// into an opc.tcp host and port.
	ErrInvalidEndpoint = errors.New("opcuaserver: invalid endpoint")

	// ErrCertificate is returned when the server certificate cannot be loaded.
	ErrCertificate = errors.New("opcuaserver: certificate load failed")

	// ErrPrivateKey is returned when the private key cannot be loaded or is not RSA.
	ErrPrivateKey = errors.New("opcuaserver: private key load failed")

	// ErrInvalidSecurityPolicy is returned for an unknown policy name or mode.
	ErrInvalidSecurityPolicy = errors.New("opcuaserver: invalid security policy")

	// ErrNotStarted is returned by HealthCheck before Start succeeds or after Close.
	ErrNotStarted = errors.New("opcuaserver: not started")
)
