// Package logutil wires the process-wide loggers. Packages log through
// log/slog; the handler behind it is a charmbracelet logger writing to stderr.
package logutil

import (
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"strings"

	log "github.com/charmbracelet/log"
)

// Configure installs a logger at the given level as both the slog default and
// the charmbracelet default. An empty level means info.
func Configure(levelRaw string) error {
	return ConfigureWriter(levelRaw, os.Stderr)
}

func ConfigureWriter(levelRaw string, w io.Writer) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
	})
	log.SetDefault(logger)
	slog.SetDefault(slog.New(logger))
	// net/http and autocert log through the standard logger.
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger.StandardLog(log.StandardLogOptions{ForceLevel: log.WarnLevel}).Writer())
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace", "trac":
		// No trace level; map to the most verbose one.
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}
