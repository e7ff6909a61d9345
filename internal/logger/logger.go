package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls where process logs go and how they are shaped.
type Config struct {
	Level     string // debug, info, warn, error
	File      string // optional log file path
	Console   bool
	Pretty    bool
	Redaction bool
	MaxSize   int // megabytes before the log file rotates; 0 disables rotation
	MaxAge    int // days to keep rotated files
	Compress  bool
}

// DefaultConfig returns the logging defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   50,
		MaxAge:    14,
		Compress:  true,
	}
}

// Logger owns the process-wide zerolog logger and its sinks.
type Logger struct {
	zl       zerolog.Logger
	sink     io.Closer
	redactor *Redactor
}

// New builds a logger from cfg and installs it as log.Logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, os.Stderr)
		}
	}

	var sink io.Closer
	if cfg.File != "" {
		fw, err := openFileSink(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, fw)
		sink = fw
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = os.Stderr
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		w = redactor.Wrap(w)
	}

	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{zl: zl, sink: sink, redactor: redactor}, nil
}

func openFileSink(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open rotating log: %w", err)
		}
		return rw, nil
	}
	if err := ensureDir(cfg.File); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Zerolog returns the configured zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}
