package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	log "github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"":      log.InfoLevel,
		"trace": log.DebugLevel,
		"DEBUG": log.DebugLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestConfigureWriterRoutesSlog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, ConfigureWriter("warn", &buf))

	slog.Info("hidden message")
	slog.Warn("upstream offline", "attempt", 3)

	out := buf.String()
	require.NotContains(t, out, "hidden message")
	require.Contains(t, out, "upstream offline")
	require.Contains(t, out, "attempt=3")
	require.Equal(t, log.WarnLevel, log.GetLevel())
}
