package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/popd/config"
)

type recordedLine struct {
	priority string
	text     string
}

type fakeSink struct {
	lines []recordedLine
}

func (f *fakeSink) add(priority, m string) error {
	f.lines = append(f.lines, recordedLine{priority, m})
	return nil
}

func (f *fakeSink) Debug(m string) error   { return f.add("debug", m) }
func (f *fakeSink) Info(m string) error    { return f.add("info", m) }
func (f *fakeSink) Warning(m string) error { return f.add("warning", m) }
func (f *fakeSink) Err(m string) error     { return f.add("err", m) }

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSyslogHandlerPriorities(t *testing.T) {
	sink := &fakeSink{}
	l := slog.New(&syslogHandler{sink: sink, level: slog.LevelDebug})

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	require.Len(t, sink.lines, 4)
	assert.Equal(t, []recordedLine{
		{"debug", "d"},
		{"info", "i"},
		{"warning", "w"},
		{"err", "e"},
	}, sink.lines)
}

func TestSyslogHandlerLevelFilter(t *testing.T) {
	sink := &fakeSink{}
	l := slog.New(&syslogHandler{sink: sink, level: slog.LevelWarn})

	l.Info("dropped")
	l.Warn("kept")

	require.Len(t, sink.lines, 1)
	assert.Equal(t, "kept", sink.lines[0].text)
	assert.False(t, l.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestSyslogHandlerAttributes(t *testing.T) {
	sink := &fakeSink{}
	l := slog.New(&syslogHandler{sink: sink, level: slog.LevelInfo})

	l.With("server", "pop3").WithGroup("session").Info("Session",
		"remote", "192.0.2.1",
		"msg", "quit, expunged 2 message(s)",
		slog.Group("timing", slog.Duration("elapsed", 1500*time.Millisecond)),
	)

	require.Len(t, sink.lines, 1)
	assert.Equal(t,
		`Session server=pop3 session.remote=192.0.2.1 session.msg="quit, expunged 2 message(s)" session.timing.elapsed=1.5s`,
		sink.lines[0].text)
}

func TestInitializeFileOutput(t *testing.T) {
	origStdout, origStderr := os.Stdout, os.Stderr
	origDefault := slog.Default()
	t.Cleanup(func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		slog.SetDefault(origDefault)
		current.Store(nil)
	})

	path := filepath.Join(t.TempDir(), "popd.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, f)

	Info("not written")
	Warn("written", "account", "alice")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "not written")
	assert.Contains(t, string(data), `"msg":"written"`)
	assert.Contains(t, string(data), `"account":"alice"`)
}
