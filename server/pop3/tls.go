package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/pkg/metrics"
)

// transport holds what differs between a plaintext listener and a
// TLS-native (POP3S) listener. It is chosen when a connection is accepted.
type transport interface {
	// implicitTLS reports whether the connection was encrypted from the
	// first byte.
	implicitTLS() bool
	// tlsAvailable reports whether STLS can be offered.
	tlsAvailable() bool
	// startTLS runs the server side of a TLS handshake over conn.
	startTLS(ctx context.Context, conn net.Conn) (net.Conn, error)
}

type plainTransport struct {
	tlsConfig *tls.Config
}

func (t plainTransport) implicitTLS() bool { return false }

func (t plainTransport) tlsAvailable() bool { return t.tlsConfig != nil }

func (t plainTransport) startTLS(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if t.tlsConfig == nil {
		return nil, consts.ErrTLSNotAvailable
	}
	tlsConn := tls.Server(conn, t.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

type implicitTLSTransport struct{}

func (implicitTLSTransport) implicitTLS() bool { return true }

func (implicitTLSTransport) tlsAvailable() bool { return false }

func (implicitTLSTransport) startTLS(context.Context, net.Conn) (net.Conn, error) {
	return nil, fmt.Errorf("connection is already encrypted")
}

// allowCleartextLogins reports whether credentials may be sent in the clear
// on this session.
func (s *POP3Session) allowCleartextLogins() bool {
	return s.tlsActive || s.server.allowCleartextLogins || s.transport.implicitTLS()
}

func (s *POP3Session) checkLoginPermitted() error {
	if !s.allowCleartextLogins() {
		return newCmdError("only valid after entering TLS mode")
	}
	return nil
}

func (s *POP3Session) cmdStls(string) error {
	if s.transport.implicitTLS() {
		return newCmdError("command not valid over SSL")
	}
	if s.state != stateAuthorization {
		return newCmdError("this command is only valid prior to login")
	}
	if s.tlsActive {
		return newCmdError("command not valid while in TLS mode")
	}
	if !s.transport.tlsAvailable() {
		return newCmdError("%s", consts.ErrTLSNotAvailable.Error())
	}

	// Anything the client pipelined after STLS was sent in the clear and
	// must not be executed after the upgrade.
	if n := s.reader.Buffered(); n > 0 {
		s.DebugLog("discarding %d bytes pipelined after STLS", n)
		_, _ = s.reader.Discard(n)
	}

	if err := s.sendOK("begin TLS negotiation"); err != nil {
		return err
	}

	tlsConn, err := s.transport.startTLS(s.ctx, s.currentConn())
	if err != nil {
		metrics.TLSUpgradesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	metrics.TLSUpgradesTotal.WithLabelValues("success").Inc()

	s.setConn(tlsConn)
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.candidateUser = ""
	s.mailboxQuery = ""
	s.DebugLog("TLS negotiation complete")
	return nil
}
