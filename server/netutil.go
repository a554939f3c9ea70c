package server

import (
	"net"
)

// RemoteHost returns the host part of a connection's remote address, or the
// full address string when it carries no port.
func RemoteHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
