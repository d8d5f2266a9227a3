// Package logging constructs the process logger. The logger is built once
// and injected — no package-level global — and defaults to stderr because
// stdout carries the MCP stdio transport.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Masa712/DIVERGE-sub003/internal/config"
)

// New builds a zerolog.Logger from config.
func New(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: open log file %q: %w", cfg.FilePath, err)
		}
		output = f
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown output %q", cfg.Output)
	}

	if strings.ToLower(cfg.Format) == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}
