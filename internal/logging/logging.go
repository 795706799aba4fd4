// Package logging builds the component loggers. Output goes to a
// rotating file, optionally mirrored to stderr, and every component
// gets its own [prefix] so interleaved lines stay readable.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quizpulse/quizpulse/internal/config"
)

// Sink is the shared log destination for one process.
type Sink struct {
	writer io.Writer
	file   *lumberjack.Logger // nil when file logging is off
}

// NewSink opens the configured destinations. An empty file path means
// console only.
func NewSink(cfg config.LogConfig) (*Sink, error) {
	var writers []io.Writer
	var file *lumberjack.Logger

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, file)
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	return &Sink{writer: io.MultiWriter(writers...), file: file}, nil
}

// Discard returns a sink that drops everything (tests).
func Discard() *Sink {
	return &Sink{writer: io.Discard}
}

// New returns a logger for one component, e.g. "syncd" or "outbox".
func (s *Sink) New(component string) *log.Logger {
	return log.New(s.writer, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the rotating file, if any.
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
