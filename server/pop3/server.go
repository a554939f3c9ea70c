package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/netutil"

	"github.com/migadu/popd/identity"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
	serverPkg "github.com/migadu/popd/server"
)

const (
	defaultBanner         = "POP3 server ready"
	defaultGoodbye        = "goodbye"
	defaultMaxLineLength  = 8192
	sessionDrainTimeout   = 30 * time.Second
	shutdownNoticeTimeout = time.Second
)

type POP3Server struct {
	addr     string
	name     string
	hostname string
	provider identity.Provider
	store    MessageStore
	appCtx   context.Context
	cancel   context.CancelFunc

	tlsConfig            *tls.Config
	implicitTLS          bool
	allowCleartextLogins bool
	gssapiFactory        GSSAPIServerFactory
	saslGSSAPIEnabled    bool

	banner         string
	goodbye        string
	implementation string
	commandTimeout time.Duration
	maxConnections int
	maxLineLength  int

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	// ImplicitTLS makes the listener TLS-native (POP3S). It requires a
	// certificate.
	ImplicitTLS bool
	TLSCertFile string
	TLSKeyFile  string
	// TLSConfig takes precedence over the certificate files when set.
	TLSConfig *tls.Config

	AllowCleartextLogins bool
	// SASLGSSAPIEnabled advertises GSSAPI. It only takes effect when
	// GSSAPIServerFactory is also set.
	SASLGSSAPIEnabled   bool
	GSSAPIServerFactory GSSAPIServerFactory

	Banner         string
	Goodbye        string
	Implementation string
	CommandTimeout time.Duration // Maximum idle time before disconnection (0 = no limit)
	MaxConnections int           // 0 = unlimited
	MaxLineLength  int           // 0 = default
}

func New(appCtx context.Context, name, hostname, popAddr string, provider identity.Provider, store MessageStore, options POP3ServerOptions) (*POP3Server, error) {
	if provider == nil || store == nil {
		return nil, errors.New("identity provider and message store are required")
	}

	tlsConfig := options.TLSConfig
	if tlsConfig == nil && options.TLSCertFile != "" && options.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
			ServerName:   hostname,
			NextProtos:   []string{"pop3"},
		}
	}
	if options.ImplicitTLS && tlsConfig == nil {
		return nil, fmt.Errorf("POP3 server %s: implicit TLS requires a certificate", name)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &POP3Server{
		addr:                 popAddr,
		name:                 name,
		hostname:             hostname,
		provider:             provider,
		store:                store,
		appCtx:               serverCtx,
		cancel:               serverCancel,
		tlsConfig:            tlsConfig,
		implicitTLS:          options.ImplicitTLS,
		allowCleartextLogins: options.AllowCleartextLogins,
		gssapiFactory:        options.GSSAPIServerFactory,
		saslGSSAPIEnabled:    options.SASLGSSAPIEnabled,
		banner:               options.Banner,
		goodbye:              options.Goodbye,
		implementation:       options.Implementation,
		commandTimeout:       options.CommandTimeout,
		maxConnections:       options.MaxConnections,
		maxLineLength:        options.MaxLineLength,
		activeSessions:       make(map[*POP3Session]struct{}),
	}
	if s.banner == "" {
		s.banner = defaultBanner
	}
	if s.goodbye == "" {
		s.goodbye = defaultGoodbye
	}
	if s.maxLineLength <= 0 {
		s.maxLineLength = defaultMaxLineLength
	}

	if options.SASLGSSAPIEnabled && options.GSSAPIServerFactory == nil {
		logger.Warn("POP3: GSSAPI enabled but no mechanism is available, not advertising it", "name", name)
	}

	return s, nil
}

func (s *POP3Server) gssapiEnabled() bool {
	return s.saslGSSAPIEnabled && s.gssapiFactory != nil
}

// Start listens on the configured address and serves connections until the
// server is closed. Fatal listener errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}

	if s.implicitTLS {
		listener = tls.NewListener(listener, s.tlsConfig)
		logger.Info("POP3 server listening with TLS", "name", s.name, "addr", s.addr, "idle_timeout", s.commandTimeout)
	} else {
		logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "stls", s.tlsConfig != nil, "idle_timeout", s.commandTimeout)
	}

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until the server is closed. The
// listener is closed on return.
func (s *POP3Server) Serve(listener net.Listener) error {
	if s.maxConnections > 0 {
		listener = netutil.LimitListener(listener, s.maxConnections)
	}
	defer listener.Close()

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			default:
				return fmt.Errorf("POP3 server %s: accept failed: %w", s.name, err)
			}
		}

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn runs a session on an accepted connection and returns when the
// session ends.
func (s *POP3Server) serveConn(conn net.Conn) {
	var t transport
	if s.implicitTLS {
		t = implicitTLSTransport{}
	} else {
		t = plainTransport{tlsConfig: s.tlsConfig}
	}

	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	session := &POP3Session{
		server:    s,
		transport: t,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		state:     stateAuthorization,
		tlsActive: s.implicitTLS,
		startTime: time.Now(),
	}
	session.Id = ulid.Make().String()
	session.RemoteIP = serverPkg.RemoteHost(conn)
	session.Protocol = "POP3"
	session.ServerName = s.name
	session.HostName = s.hostname
	session.Stats = s

	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(s.name).Inc()
	logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount, "authenticated_connections", s.authenticatedConnections.Load())

	s.addSession(session)
	session.handleConnection()
}

// Close stops accepting connections, tells connected clients the server is
// going away and waits for their sessions to end. Pending deletions of
// those sessions are not committed.
func (s *POP3Server) Close() {
	s.cancel()
	s.sendGracefulShutdownMessage()
	s.waitForSessionsDrain(sessionDrainTimeout)
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage writes a shutdown notice to every connected
// client and closes the connections to unblock sessions waiting on reads.
func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	conns := make([]net.Conn, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		if conn := session.currentConn(); conn != nil {
			conns = append(conns, conn)
		}
	}
	s.activeSessionsMutex.RUnlock()

	if len(conns) == 0 {
		return
	}

	logger.Debug("POP3: Sending graceful shutdown message to active connections", "name", s.name, "count", len(conns))

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(shutdownNoticeTimeout))
		_, _ = conn.Write([]byte("-ERR server shutting down, please reconnect\r\n"))
		conn.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

// Name returns the server instance name used in logs and metric labels.
func (s *POP3Server) Name() string {
	return s.name
}
