package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures the process logger
type Options struct {
	Dir     string
	AppLog  string
	Level   string
	Console bool
}

// Logger owns the process logger and the files it writes to
type Logger struct {
	zerolog.Logger
	files []*os.File
}

// New builds a logger writing to stdout and the app log file and installs it as the global logger
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	var stdout io.Writer = os.Stdout
	if opts.Console {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	l := &Logger{}
	writers := []io.Writer{stdout}
	if opts.AppLog != "" {
		if err := os.MkdirAll(filepath.Dir(opts.AppLog), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.AppLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open app log file: %w", err)
		}
		l.files = append(l.files, file)
		writers = append(writers, file)
	}

	zerolog.SetGlobalLevel(level)
	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	log.Logger = l.Logger
	return l, nil
}

// OpenAccessLog opens the HTTP access log in dir. The caller closes it through Close.
func (l *Logger) OpenAccessLog(dir string) (io.Writer, error) {
	file, err := os.OpenFile(filepath.Join(dir, "access.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return io.Discard, err
	}
	l.files = append(l.files, file)
	return file, nil
}

// Close closes every file the logger opened
func (l *Logger) Close() error {
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}

// ParseLevel maps a config level name to a zerolog level. Empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}
