package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trip_planner/internal/config"
)

var Logger zerolog.Logger

// Build creates a logger from the configuration without touching globals
// other than the zerolog time field format.
func Build(cfg config.LogConfig) (zerolog.Logger, zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), zerolog.NoLevel, fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	// Configure time format
	switch strings.ToLower(cfg.TimeFormat) {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "iso8601":
		zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return zerolog.Nop(), zerolog.NoLevel, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return zerolog.Nop(), zerolog.NoLevel, fmt.Errorf("failed to open log file '%s': %w", cfg.FilePath, err)
		}
		output = file
	default:
		// stdout carries the event stream in the terminal binary
		output = os.Stderr
	}

	if strings.ToLower(cfg.Format) == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(output).Level(level).With().
		Timestamp().
		Caller().
		Logger()
	return l, level, nil
}

// InitLogger initializes the global logger with the provided configuration
func InitLogger(cfg config.LogConfig) error {
	l, level, err := Build(cfg)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	Logger = l
	log.Logger = l

	Logger.Info().
		Str("level", cfg.Level).
		Str("format", cfg.Format).
		Str("output", cfg.Output).
		Msg("Logger initialized successfully")
	return nil
}
