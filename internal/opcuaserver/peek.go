package opcuaserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gopcua/opcua/ua"
)

const (
	// openHeaderLen covers the message header (type, chunk, size, channel
	// ID) and the length prefix of the policy URI that follows it.
	openHeaderLen   = 16
	maxPolicyURILen = 256
)

var (
	errNotOpenRequest  = errors.New("opcuaserver: first message is not OpenSecureChannel")
	errPeekUnsupported = errors.New("opcuaserver: socket peek not supported on this platform")
)

// parseOpenPolicy reads the security policy URI from the asymmetric
// security header of an OPN chunk. When b is too short it returns the
// number of bytes needed and no error.
func parseOpenPolicy(b []byte) (uri string, need int, err error) {
	if len(b) < openHeaderLen {
		return "", openHeaderLen, nil
	}

	buf := ua.NewBuffer(b)
	typ := string(buf.ReadN(3))
	buf.ReadByte()   // chunk type
	buf.ReadUint32() // message size
	buf.ReadUint32() // secure channel ID
	n := buf.ReadInt32()
	if err := buf.Error(); err != nil {
		return "", 0, fmt.Errorf("decoding open request: %w", err)
	}

	if typ != "OPN" {
		return "", 0, fmt.Errorf("%w: got %q", errNotOpenRequest, typ)
	}
	if n <= 0 || n > maxPolicyURILen {
		return "", 0, fmt.Errorf("%w: policy URI length %d", errNotOpenRequest, n)
	}

	need = openHeaderLen + int(n)
	if len(b) < need {
		return "", need, nil
	}
	return string(buf.ReadN(int(n))), need, nil
}

// peekSecurityPolicy returns the policy URI of the OpenSecureChannel
// request waiting on c without consuming any of it.
func peekSecurityPolicy(c *net.TCPConn, timeout time.Duration) (string, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer c.SetReadDeadline(time.Time{}) //nolint:errcheck // best effort reset

	buf := make([]byte, openHeaderLen+maxPolicyURILen)
	need := openHeaderLen
	for {
		n, err := peek(c, buf, need)
		if err != nil {
			return "", err
		}
		uri, more, err := parseOpenPolicy(buf[:n])
		if err != nil {
			return "", err
		}
		if uri != "" {
			return uri, nil
		}
		need = more
	}
}
