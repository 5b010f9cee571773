// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const permission = 0o664

// Builder configures a logger. The zero destination is stdout.
type Builder struct {
	writer  io.Writer
	path    string
	level   string
	console bool
}

// Log is a built logger and the file it writes to, if any.
type Log struct {
	Logger zerolog.Logger
	File   *os.File
}

func New() *Builder {
	return &Builder{}
}

// FromPath appends to the file at path. It takes precedence over FromWriter.
func (b *Builder) FromPath(path string) *Builder {
	b.path = path
	return b
}

func (b *Builder) FromWriter(w io.Writer) *Builder {
	b.writer = w
	return b
}

// WithLevel sets the minimum level by name: debug, info, warn or error.
func (b *Builder) WithLevel(level string) *Builder {
	b.level = level
	return b
}

// Console switches to human-readable output.
func (b *Builder) Console(on bool) *Builder {
	b.console = on
	return b
}

func (b *Builder) Make() (*Log, error) {
	level := zerolog.InfoLevel
	if b.level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(b.level))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", b.level, err)
		}
		level = l
	}

	log := new(Log)
	var w io.Writer = os.Stdout
	if b.writer != nil {
		w = b.writer
	}
	if b.path != "" {
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		log.File = f
		w = zerolog.SyncWriter(f)
	}
	if b.console {
		w = zerolog.ConsoleWriter{Out: w, NoColor: b.path != ""}
	}

	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return log, nil
}

// Close closes the log file, if one was opened.
func (l *Log) Close() error {
	if l.File == nil {
		return nil
	}
	return l.File.Close()
}
