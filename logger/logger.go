// Package logger holds the process-wide structured logger of popd.
//
// Output goes to stderr, stdout, a log file or the local syslog daemon
// (LOG_MAIL facility), as selected by the [logging] configuration section.
// Call Initialize once at startup; until then the package functions log
// through slog.Default.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/migadu/popd/config"
)

const defaultSyslogTag = "popd"

var current atomic.Pointer[slog.Logger]

// syslogSink is the subset of *syslog.Writer the handler writes to.
type syslogSink interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
}

// syslogHandler renders records as "message key=value ..." lines. Syslog
// adds its own timestamp and priority, so neither is repeated here.
type syslogHandler struct {
	sink   syslogSink
	level  slog.Leveler
	prefix string // dotted group path applied to attribute keys
	attrs  string // pre-rendered WithAttrs attributes
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})

	line := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.sink.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.sink.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.sink.Info(line)
	default:
		return h.sink.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	clone := *h
	clone.attrs = b.String()
	return &clone
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, groupPrefix, ga)
		}
		return
	}

	value := a.Value.String()
	if strings.ContainsAny(value, " \t\"=") {
		value = fmt.Sprintf("%q", value)
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, value)
}

// Initialize installs the logger described by cfg as the global and slog
// default logger. When the output is a file, that file is returned so the
// caller can close it on exit. Unusable outputs fall back to stderr with a
// warning rather than failing startup.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	handler, logFile := newHandler(cfg, opts)
	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
	return logFile, nil
}

func newHandler(cfg config.LoggingConfig, opts *slog.HandlerOptions) (slog.Handler, *os.File) {
	switch output := cfg.Output; output {
	case "", "stderr":
		return formatHandler(os.Stderr, cfg.Format, opts), nil
	case "stdout":
		return formatHandler(os.Stdout, cfg.Format, opts), nil
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintln(os.Stderr, "popd: syslog is not supported on this platform, logging to stderr")
			return formatHandler(os.Stderr, cfg.Format, opts), nil
		}
		tag := cfg.SyslogTag
		if tag == "" {
			tag = defaultSyslogTag
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, tag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "popd: cannot connect to syslog (%v), logging to stderr\n", err)
			return formatHandler(os.Stderr, cfg.Format, opts), nil
		}
		return &syslogHandler{sink: w, level: opts.Level}, nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "popd: cannot open log file %q (%v), logging to stderr\n", output, err)
			return formatHandler(os.Stderr, cfg.Format, opts), nil
		}
		// Panics and stray prints end up next to the log lines.
		os.Stdout = f
		os.Stderr = f
		return formatHandler(f, cfg.Format, opts), f
	}
}

func formatHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// select info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger.
func Get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// Infof is used by the admin tool for human oriented progress lines.
func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

// Fatalf logs at error level and exits with status 1.
func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
