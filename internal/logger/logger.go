// Package logger builds the process-wide zerolog logger from configuration.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/harun/personakit/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the zerolog logger and the log file behind it
type Logger struct {
	logger   zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // empty disables file output
	Console   bool
	Pretty    bool // human-readable console lines instead of JSON
	Redaction bool // mask secrets on every output
	MaxSize   int  // MB, 0 disables rotation
	MaxAge    int  // days
	Backups   int  // rotated files to keep, 0 keeps all
	Compress  bool // gzip rotated files

	// Output replaces stderr for console output
	Output io.Writer
}

// FromConfig maps the logging section of the application config
func FromConfig(cfg config.LoggingConfig) Config {
	return Config{
		Level:     cfg.Level,
		File:      cfg.File,
		Console:   cfg.Console,
		Pretty:    cfg.Pretty,
		Redaction: cfg.Redaction,
		MaxSize:   cfg.MaxSize,
		MaxAge:    cfg.MaxAge,
		Backups:   cfg.MaxBackups,
		Compress:  cfg.Compress,
	}
}

// DefaultConfig returns the logger configuration of a default config file
func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig().Logging)
}

// ParseLevel maps a configured level to zerolog, defaulting to info
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// New creates a logger and installs it as the global zerolog logger
func New(cfg Config) (*Logger, error) {
	l := &Logger{}

	var outputs []io.Writer
	if cfg.Console {
		outputs = append(outputs, consoleWriter(cfg))
	}
	if cfg.File != "" {
		file, err := NewRotatingWriter(RotationConfig{
			Filename:   cfg.File,
			MaxSizeMB:  cfg.MaxSize,
			MaxAgeDays: cfg.MaxAge,
			MaxBackups: cfg.Backups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, err
		}
		l.file = file
		outputs = append(outputs, file)
	}

	var out io.Writer
	switch len(outputs) {
	case 0:
		out = io.Discard
	case 1:
		out = outputs[0]
	default:
		out = zerolog.MultiLevelWriter(outputs...)
	}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		out = l.redactor.Wrap(out)
	}

	l.logger = zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

func consoleWriter(cfg Config) io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.Pretty {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// With creates a child logger context
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}
