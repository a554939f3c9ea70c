package pop3

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/identity"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/server"
)

type sessionState int

const (
	stateAuthorization sessionState = iota + 1
	stateTransaction
	stateUpdate
)

func (st sessionState) String() string {
	switch st {
	case stateAuthorization:
		return "AUTHORIZATION"
	case stateTransaction:
		return "TRANSACTION"
	case stateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

var errLineTooLong = errors.New("line too long")

type POP3Session struct {
	server.Session
	server    *POP3Server
	transport transport

	connMu sync.Mutex // guards conn, which STLS replaces
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	ctx    context.Context
	cancel context.CancelFunc

	state         sessionState
	candidateUser string
	mailboxQuery  string
	account       *identity.Account
	tlsActive     bool
	pendingAuth   *pendingAuth
	expireDays    int
	mailbox       *mailboxView
	authenticated bool
	startTime     time.Time

	// currentCommandLine is only used for logging and is always masked
	// before it is written anywhere.
	currentCommandLine string
}

func (s *POP3Session) currentConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *POP3Session) setConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
}

func (s *POP3Session) handleConnection() {
	defer s.close()

	s.InfoLog("connected")
	if s.server.commandTimeout > 0 {
		// On POP3S the greeting write also runs the TLS handshake.
		_ = s.currentConn().SetDeadline(time.Now().Add(s.server.commandTimeout))
	}
	if err := s.sendOK(s.server.banner); err != nil {
		s.DebugLog("failed to send greeting: %v", err)
		return
	}
	_ = s.currentConn().SetWriteDeadline(time.Time{})

	for {
		if s.server.commandTimeout > 0 {
			_ = s.currentConn().SetReadDeadline(time.Now().Add(s.server.commandTimeout))
		}

		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				if err := s.sendERR("line too long"); err != nil {
					return
				}
				continue
			}
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				// RFC 1939 closes idle sessions without a response.
				s.InfoLog("idle timeout")
			case s.ctx.Err() != nil:
				s.DebugLog("connection closed during shutdown")
			case server.IsConnectionError(err):
				s.InfoLog("client dropped connection")
			default:
				s.WarnLog("read error: %v", err)
			}
			return
		}

		if !s.processLine(line) {
			return
		}
	}
}

// readLine reads one CRLF or LF terminated line and strips the terminator.
// Lines longer than the configured limit are consumed and rejected.
func (s *POP3Session) readLine() (string, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if s.server.maxLineLength > 0 && len(line) > s.server.maxLineLength {
				tooLong = true
				line = nil
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}
	if tooLong {
		return "", errLineTooLong
	}

	text := strings.TrimSuffix(string(line), "\n")
	return strings.TrimSuffix(text, "\r"), nil
}

// processLine runs one client line and reports whether the session should
// keep reading.
func (s *POP3Session) processLine(line string) bool {
	start := time.Now()

	if s.pendingAuth != nil {
		return s.finishCommand("AUTH", start, s.continueAuthentication(line))
	}

	s.currentCommandLine = line
	keyword, arg, _ := strings.Cut(line, " ")
	s.DebugLog("command: %s", helpers.MaskSensitive(line, "PASS", "AUTH"))

	if keyword == "" {
		return s.finishCommand("invalid", start, newCmdError("invalid request. please specify a command"))
	}

	// A session whose account was disabled or removed is dropped without a
	// response.
	if s.account != nil {
		account, err := s.server.provider.LookupAccount(s.ctx, s.account.ID)
		if err != nil || !account.Active() {
			s.WarnLog("account no longer active, dropping connection (lookup error: %v)", err)
			return false
		}
	}

	command := strings.ToUpper(keyword)
	handler, ok := commands[command]
	if !ok {
		return s.finishCommand("unknown", start, newCmdError("unknown command"))
	}
	return s.finishCommand(command, start, handler(s, arg))
}

// finishCommand reports the handler result to the client and metrics.
func (s *POP3Session) finishCommand(command string, start time.Time, err error) bool {
	metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.CommandsTotal.WithLabelValues(command, "success").Inc()
		return true
	}
	if errors.Is(err, errSessionEnded) {
		metrics.CommandsTotal.WithLabelValues(command, "success").Inc()
		return false
	}

	metrics.CommandsTotal.WithLabelValues(command, "failure").Inc()
	var cmdErr *cmdError
	if errors.As(err, &cmdErr) {
		if werr := s.sendERR(cmdErr.msg); werr != nil {
			s.DebugLog("failed to send response: %v", werr)
			return false
		}
		return true
	}

	if server.IsConnectionError(err) {
		s.DebugLog("%s: connection error: %v", command, err)
	} else {
		s.WarnLog("%s: %v", command, err)
	}
	return false
}

func (s *POP3Session) close() {
	s.server.removeSession(s)
	s.cancel()
	if conn := s.currentConn(); conn != nil {
		conn.Close()
	}

	s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues(s.server.name).Dec()
	metrics.ConnectionDuration.WithLabelValues(s.server.name).Observe(time.Since(s.startTime).Seconds())
	if s.authenticated {
		s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.server.name).Dec()
	}

	if s.state == stateTransaction && s.mailbox != nil && s.mailbox.numDeleted > 0 {
		s.InfoLog("closed without QUIT, %d deletion mark(s) discarded", s.mailbox.numDeleted)
		return
	}
	s.InfoLog("closed")
}
