package server

import (
	"fmt"
	"log/slog"

	"github.com/migadu/popd/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the per-connection fields every log line is tagged with.
type Session struct {
	Id          string
	RemoteIP    string
	HostName    string
	ServerName  string // Name of the server instance (e.g., "pop3", "pop3s")
	Protocol    string
	AccountID   int64
	AccountName string
	Stats       ConnectionStatsProvider
}

// SetUser binds the authenticated account to the session's log context.
func (s *Session) SetUser(accountID int64, name string) {
	s.AccountID = accountID
	s.AccountName = name
}

func (s *Session) user() string {
	if s.AccountName == "" {
		return "none"
	}
	return fmt.Sprintf("%s/%d", s.AccountName, s.AccountID)
}

func (s *Session) protocolPrefix() string {
	if s.ServerName != "" {
		return fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}
	return s.Protocol
}

func (s *Session) attrs(format string, args []any) []any {
	attrs := []any{"protocol", s.protocolPrefix(), "remote", s.RemoteIP, "user", s.user(), "session", s.Id}
	if s.Stats != nil {
		attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) log(level slog.Level, format string, args ...any) {
	attrs := s.attrs(format, args)
	switch level {
	case slog.LevelDebug:
		logger.Debug("Session", attrs...)
	case slog.LevelWarn:
		logger.Warn("Session", attrs...)
	default:
		logger.Info("Session", attrs...)
	}
}

func (s *Session) InfoLog(format string, args ...any) {
	s.log(slog.LevelInfo, format, args...)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.log(slog.LevelDebug, format, args...)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.log(slog.LevelWarn, format, args...)
}
