// Package logging builds the process logger: a rotating log file, an
// optional console writer and an optional sink into the host palette.
package logging

import (
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chazu/scriptbridge/config"
	"github.com/chazu/scriptbridge/runner"
)

const (
	EnvLogLevel   = "SCRIPTBRIDGE_LOG_LEVEL"
	EnvLogNoColor = "SCRIPTBRIDGE_LOG_NOCOLOR"
)

var ErrPaletteAttached = errors.New("logging: palette sink already attached")

// PaletteHost is the host the palette sink writes into.
type PaletteHost interface {
	runner.Scheduler
	WriteText(text string)
}

// Logging owns the process logger and its sinks.
type Logging struct {
	// Logger writes to every sink.
	Logger zerolog.Logger
	// File writes to the log file only. It is the logger for anything the
	// palette sink itself depends on.
	File zerolog.Logger
	// Host writes to every sink but the palette, for a host that puts
	// script console output into its palette itself.
	Host zerolog.Logger

	file    *lumberjack.Logger
	palette *paletteWriter
	usePal  bool
}

// Options adjusts New for tests and tools.
type Options struct {
	// Console overrides where console output goes; nil means stdout.
	Console io.Writer
	// App is attached to every record.
	App string
}

// New builds the logger described by cfg and installs it as zerolog's
// global logger. The palette sink stays silent until AttachPalette.
func New(cfg config.Log, opts Options) (*Logging, error) {
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		return nil, errors.New("logging: unknown level " + strconv.Quote(cfg.Level))
	}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}
	if opts.App == "" {
		opts.App = "scriptbridge"
	}

	l := &Logging{palette: &paletteWriter{}, usePal: cfg.Palette}
	var writers []io.Writer
	var fileOut io.Writer = io.Discard
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		fileOut = l.file
		writers = append(writers, l.file)
	}
	if cfg.Console {
		writers = append(writers, consoleWriter(opts.Console))
	}
	hostWriters := append([]io.Writer(nil), writers...)
	if cfg.Palette {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:          l.palette,
			NoColor:      true,
			PartsExclude: []string{zerolog.TimestampFieldName},
		})
	}

	l.File = zerolog.New(fileOut).Level(level).With().Timestamp().Str("app", opts.App).Logger()
	l.Host = zerolog.New(zerolog.MultiLevelWriter(hostWriters...)).Level(level).
		With().Timestamp().Str("app", opts.App).Logger()
	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).
		With().Timestamp().Str("app", opts.App).Logger()
	log.Logger = l.Logger
	return l, nil
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	noColor := true
	if out == nil {
		out = colorable.NewColorableStdout()
		noColor = !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		noColor = v
	}
	return zerolog.ConsoleWriter{Out: out, NoColor: noColor, TimeFormat: time.RFC3339}
}

// AttachPalette starts forwarding log lines into the host palette. Lines are
// marshaled onto the main thread by a runner of their own, whose logger is
// l.File, so logging from any runner never feeds back into itself. It does
// nothing when the palette sink is disabled.
func (l *Logging) AttachPalette(h PaletteHost) error {
	if !l.usePal {
		return nil
	}
	r := runner.New("palette-log", h, runner.WithLogger(l.File))
	if !l.palette.attach(r, h) {
		r.Close()
		return ErrPaletteAttached
	}
	return nil
}

// Close detaches the palette sink and closes the log file.
func (l *Logging) Close() error {
	var errs []error
	if r := l.palette.detach(); r != nil {
		errs = append(errs, r.Close())
	}
	if l.file != nil {
		errs = append(errs, l.file.Close())
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a zerolog level. An empty or unknown name
// reports false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// paletteWriter queues each formatted line onto the host palette.
type paletteWriter struct {
	mu     sync.Mutex
	runner *runner.Runner
	host   PaletteHost
}

func (p *paletteWriter) attach(r *runner.Runner, h PaletteHost) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runner != nil {
		return false
	}
	p.runner, p.host = r, h
	return true
}

func (p *paletteWriter) detach() *runner.Runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.runner
	p.runner, p.host = nil, nil
	return r
}

func (p *paletteWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	r, h := p.runner, p.host
	p.mu.Unlock()
	if r == nil {
		return len(b), nil
	}

	text := strings.TrimRight(string(b), "\n")
	// A closed runner only means the host is going away.
	_ = r.Submit(func() error {
		h.WriteText(text)
		return nil
	})
	return len(b), nil
}
