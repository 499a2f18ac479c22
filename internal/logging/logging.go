package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the rotation policy of the log file
type Config struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Flags used by every logger this package builds
const Flags = log.LstdFlags | log.Lmicroseconds

// Logger is the process logger together with the sinks it owns
type Logger struct {
	*log.Logger
	file *lumberjack.Logger
}

// New builds a logger writing to the rotating file in cfg and to every
// extra sink. With no file and no sinks output is discarded.
func New(cfg Config, sinks ...io.Writer) (*Logger, error) {
	writers := make([]io.Writer, 0, len(sinks)+1)
	var file *lumberjack.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
	}
	for _, s := range sinks {
		if s != nil {
			writers = append(writers, s)
		}
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	return &Logger{Logger: log.New(out, "", Flags), file: file}, nil
}

// Rotate starts a new log file; it is a no-op without a file
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// LineWriter splits what the logger writes into lines and hands each one to
// a channel. A full channel drops the line rather than stalling the caller.
type LineWriter struct {
	mu      sync.Mutex
	ch      chan string
	partial strings.Builder
	dropped uint64
}

func NewLineWriter(buffer int) *LineWriter {
	return &LineWriter{ch: make(chan string, buffer)}
}

// Lines delivers complete lines including the trailing newline
func (w *LineWriter) Lines() <-chan string {
	return w.ch
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		w.partial.WriteByte(b)
		if b != '\n' {
			continue
		}
		line := w.partial.String()
		w.partial.Reset()
		select {
		case w.ch <- line:
		default:
			w.dropped++
		}
	}
	return len(p), nil
}

// Dropped is the number of lines lost to a full channel
func (w *LineWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
