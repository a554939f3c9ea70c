package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

// peerGone lists the errno values seen when the client vanished mid-session.
var peerGone = []error{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ETIMEDOUT}

// IsConnectionError reports whether err means the connection itself is
// unusable: the peer hung up, the socket timed out or was closed locally, or
// the client spoke something other than TLS on a TLS socket. Sessions end
// quietly on these instead of logging a warning.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, errno := range peerGone {
		// *net.OpError and *os.SyscallError both unwrap to the errno.
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
