package app

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func renderPretty(t *testing.T, opts *slog.HandlerOptions, fn func(*slog.Logger)) string {
	t.Helper()

	var buf bytes.Buffer
	fn(slog.New(newPrettyHandler(&buf, opts)))
	return ansiRE.ReplaceAllString(buf.String(), "")
}

func TestPrettyHandlerRendersAttrs(t *testing.T) {
	t.Parallel()

	out := renderPretty(t, nil, func(log *slog.Logger) {
		log.Info("http.request", "method", "get", "path", "/rooms", "status", 201, "duration_ms", int64(12))
	})

	require.Contains(t, out, "[INFO]")
	require.Contains(t, out, "http.request")
	require.Contains(t, out, "method=GET")
	require.Contains(t, out, "path=/rooms")
	require.Contains(t, out, "status=201")
	require.Contains(t, out, "duration_ms=12ms")
}

func TestPrettyHandlerQuotesAwkwardValues(t *testing.T) {
	t.Parallel()

	out := renderPretty(t, nil, func(log *slog.Logger) {
		log.Warn("session.reject", "err", "token expired", "reason", "")
	})

	require.Contains(t, out, "[WARN]")
	require.Contains(t, out, `err="token expired"`)
	require.Contains(t, out, `reason=""`)
}

func TestPrettyHandlerHonorsLevel(t *testing.T) {
	t.Parallel()

	out := renderPretty(t, &slog.HandlerOptions{Level: slog.LevelWarn}, func(log *slog.Logger) {
		log.Info("dropped")
		log.Error("kept", "err", "boom")
	})

	require.NotContains(t, out, "dropped")
	require.Contains(t, out, "[ERROR]")
	require.Contains(t, out, "kept")
}

func TestPrettyHandlerGroupsAndWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil))
	log = log.With("component", "gateway").WithGroup("ws")
	log.Info("session.connect", "conn_id", "c1")

	out := ansiRE.ReplaceAllString(buf.String(), "")
	require.Contains(t, out, "component=gateway")
	require.Contains(t, out, "ws.conn_id=c1")
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	require.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	h = newPrettyHandler(&bytes.Buffer{}, nil)
	require.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	require.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}
