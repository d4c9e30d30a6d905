// Package logging builds the prefixed loggers handed to each component.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mezgeb/mezgeb/internal/config"
)

// Logs fans log output out to stderr and, when configured, a rotated file.
type Logs struct {
	mu   sync.Mutex
	out  io.Writer
	file *lumberjack.Logger
}

// New creates Logs writing to console and, if cfg.File is set, to that file
// with size-based rotation. A nil console discards console output.
func New(cfg config.LogConfig, console io.Writer) *Logs {
	if console == nil {
		console = io.Discard
	}
	l := &Logs{out: console}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		l.out = io.MultiWriter(console, l.file)
	}
	return l
}

// Stderr is New with console output on os.Stderr.
func Stderr(cfg config.LogConfig) *Logs {
	return New(cfg, os.Stderr)
}

// Logger returns a logger whose lines start with "[name] ".
func (l *Logs) Logger(name string) *log.Logger {
	return log.New(l, "["+name+"] ", log.LstdFlags)
}

// Write serializes writes from all loggers.
func (l *Logs) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Write(p)
}

// Rotate starts a new log file. No-op without one.
func (l *Logs) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
