//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package opcuaserver

import (
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// peek copies pending input into buf without consuming it, waiting until
// at least min bytes are available or the read deadline passes.
func peek(c *net.TCPConn, buf []byte, min int) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		n     int
		opErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, _, opErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
		switch {
		case opErr == unix.EAGAIN || opErr == unix.EINTR:
			return false
		case opErr != nil:
			return true
		}
		// n == 0 is an orderly shutdown by the peer.
		return n == 0 || n >= min
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, os.NewSyscallError("recvfrom", opErr)
	}
	if n < min {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
