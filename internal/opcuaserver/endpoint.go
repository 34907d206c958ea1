package opcuaserver

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gopcua/opcua/ua"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
)

const defaultPort = 4840

// supportedPolicies are the short policy names the secure channel layer implements.
var supportedPolicies = map[string]bool{
	"None":                  true,
	"Basic128Rsa15":         true,
	"Basic256":              true,
	"Basic256Sha256":        true,
	"Aes128_Sha256_RsaOaep": true,
	"Aes256_Sha256_RsaPss":  true,
}

// endpoint is the parsed form of an opc.tcp:// URL.
type endpoint struct {
	Host string
	Port int
	Path string
}

// parseEndpoint splits "opc.tcp://host:port/path". The port defaults to 4840.
func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "opc.tcp" {
		return endpoint{}, fmt.Errorf("%w: scheme %q is not opc.tcp", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Hostname() == "" {
		return endpoint{}, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, p)
		}
	}

	return endpoint{Host: u.Hostname(), Port: port, Path: u.Path}, nil
}

// Address returns host:port.
func (e endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL reassembles the endpoint as opc.tcp://host:port/path.
func (e endpoint) URL() string {
	return "opc.tcp://" + e.Address() + e.Path
}

// unspecified reports whether the host is a wildcard bind address, which
// clients cannot dial.
func (e endpoint) unspecified() bool {
	ip := net.ParseIP(e.Host)
	return ip != nil && ip.IsUnspecified()
}

// advertisedURL is the endpoint URL returned to a client that asked for
// requested. A wildcard host is replaced with the host the client used.
func (e endpoint) advertisedURL(requested string) string {
	if !e.unspecified() {
		return e.URL()
	}
	u, err := url.Parse(requested)
	if err != nil || u.Hostname() == "" {
		return e.URL()
	}
	return "opc.tcp://" + net.JoinHostPort(u.Hostname(), strconv.Itoa(e.Port)) + e.Path
}

// securityMode maps a config mode name onto the protocol enum.
func securityMode(name string) (ua.MessageSecurityMode, error) {
	switch name {
	case "None":
		return ua.MessageSecurityModeNone, nil
	case "Sign":
		return ua.MessageSecurityModeSign, nil
	case "SignAndEncrypt":
		return ua.MessageSecurityModeSignAndEncrypt, nil
	default:
		return ua.MessageSecurityModeInvalid, fmt.Errorf("%w: unknown mode %q", ErrInvalidSecurityPolicy, name)
	}
}

type securityPolicy struct {
	Policy string
	URI    string
	Mode   ua.MessageSecurityMode
}

func parseSecurityPolicies(cfgs []config.SecurityPolicyConfig) ([]securityPolicy, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: none configured", ErrInvalidSecurityPolicy)
	}

	out := make([]securityPolicy, 0, len(cfgs))
	for _, c := range cfgs {
		if !supportedPolicies[c.Policy] {
			return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidSecurityPolicy, c.Policy)
		}
		mode, err := securityMode(c.Mode)
		if err != nil {
			return nil, err
		}
		if (c.Policy == "None") != (mode == ua.MessageSecurityModeNone) {
			return nil, fmt.Errorf("%w: policy %s cannot use mode %s", ErrInvalidSecurityPolicy, c.Policy, c.Mode)
		}
		out = append(out, securityPolicy{
			Policy: c.Policy,
			URI:    ua.FormatSecurityPolicyURI(c.Policy),
			Mode:   mode,
		})
	}
	return out, nil
}
