//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package opcuaserver

import "net"

func peek(*net.TCPConn, []byte, int) (int, error) {
	return 0, errPeekUnsupported
}
