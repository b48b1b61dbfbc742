// Package logging wires the slog handlers used by dirsync: a coloured console,
// an append-only log file of `<timestamp> - <message>` lines, and an in-memory
// mirror of the same lines for UI consumers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/dirsync/internal/utils"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// FilePath is appended to; empty disables the file sink
	FilePath string
	Level    slog.Level
	// Console receives the human readable stream; nil disables it
	Console     io.Writer
	MemoryLines int
}

// Sinks holds the open outputs behind the default logger
type Sinks struct {
	Memory *MemorySink
	file   *os.File
}

func (s *Sinks) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Setup builds the handler tree and installs it as the slog default
func Setup(opts Options) (*Sinks, error) {
	sinks := &Sinks{Memory: NewMemorySink(opts.MemoryLines)}
	handlers := []slog.Handler{NewLineHandler(sinks.Memory, opts.Level)}

	if opts.FilePath != "" {
		if err := utils.EnsureParent(opts.FilePath); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sinks.file = file
		handlers = append(handlers, NewLineHandler(file, opts.Level))
	}

	if opts.Console != nil {
		noColor := true
		if f, ok := opts.Console.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}
		handlers = append(handlers, tint.NewHandler(opts.Console, &tint.Options{
			Level:      opts.Level,
			TimeFormat: consoleTimeFormat,
			NoColor:    noColor,
		}))
	}

	slog.SetDefault(slog.New(NewMultiHandler(handlers...)))
	return sinks, nil
}

// ParseLevel accepts debug, info, warn and error
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
