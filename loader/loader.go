// Package loader loads script files into the host as uniquely named units,
// retires the previous unit at the same identity, and runs the new one.
//
// Everything in this package mutates host state and must run on the host's
// main thread.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

var (
	ErrNotMainThread    = errors.New("loader: not on the host main thread")
	ErrStopHook         = errors.New("loader: stop hook failed")
	ErrScriptExecution  = errors.New("loader: script execution failed")
	ErrDebugUnavailable = errors.New("loader: debugging not available")
)

// Host is what the loader needs from the host application.
type Host interface {
	OnMainThread() bool
	Runtime() *goja.Runtime
	NativeModule(name string) (goja.Value, bool)
	WriteText(text string)
}

// Gate is the debug attach gate consulted for debug runs.
type Gate interface {
	EnsureStarted(ctx context.Context, runtimePath string, port int) error
	ClientConnected() bool
	WaitForClient(ctx context.Context) error
}

// Recorder receives every outcome, for example a run journal.
type Recorder interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

// Request describes one run-script request.
type Request struct {
	Script            string
	Debug             bool
	DebugRuntimePath  string
	DebugPort         int
	PreservedPrefixes []string
}

// Status classifies an outcome.
type Status string

const (
	StatusNoop            Status = "noop"
	StatusDebugOnly       Status = "debug_only"
	StatusRan             Status = "ran"
	StatusStopFailed      Status = "stop_failed"
	StatusConfigError     Status = "config_error"
	StatusDebugWaitFailed Status = "debug_wait_failed"
	StatusFailed          Status = "failed"
)

// Outcome reports what RunScript did. Err is informational; RunScript has
// already logged it.
type Outcome struct {
	Identity string
	Path     string
	Debug    bool
	Status   Status
	Err      error
	Unloaded []string
	Started  time.Time
	Finished time.Time
}

// Loader owns a module registry and runs scripts into the host.
type Loader struct {
	host     Host
	gate     Gate
	registry *Registry
	recorder Recorder
	log      zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithGate sets the debug attach gate. Without one, debug runs fail.
func WithGate(g Gate) Option {
	return func(l *Loader) { l.gate = g }
}

// WithRegistry sets the module registry. Tests use this to inspect state.
func WithRegistry(r *Registry) Option {
	return func(l *Loader) { l.registry = r }
}

// WithRecorder sets where outcomes are reported.
func WithRecorder(r Recorder) Option {
	return func(l *Loader) { l.recorder = r }
}

// WithLogger sets the loader's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// New creates a Loader for host.
func New(host Host, opts ...Option) *Loader {
	l := &Loader{
		host:     host,
		registry: NewRegistry(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the loader's module registry. Main thread only.
func (l *Loader) Registry() *Registry {
	return l.registry
}

// RunScript loads and runs req.Script. It must be called on the main
// thread. Failures are logged and reported in the Outcome; nothing is
// returned as an error and no panic escapes, so a broken script cannot take
// down the caller.
func (l *Loader) RunScript(ctx context.Context, req Request) (out Outcome) {
	out = Outcome{Path: req.Script, Debug: req.Debug, Started: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("%w: panic: %v\n%s", ErrScriptExecution, p, debug.Stack())
			l.log.Error().Err(out.Err).Str("script", req.Script).Msg("unhandled panic while running script")
		}
		out.Finished = time.Now()
		l.report(ctx, out)
	}()

	if !l.host.OnMainThread() {
		out.Status, out.Err = StatusFailed, ErrNotMainThread
		l.log.Error().Err(out.Err).Str("script", req.Script).Msg("refusing to run script")
		return out
	}

	if req.Script == "" && !req.Debug {
		out.Status = StatusNoop
		l.log.Warn().Msg("no script provided and debugging not requested, nothing to do")
		return out
	}

	if req.Debug {
		if status, err := l.startDebugging(ctx, req); err != nil {
			out.Status, out.Err = status, err
			return out
		}
	}
	if req.Script == "" {
		out.Status = StatusDebugOnly
		return out
	}

	abs, err := filepath.Abs(req.Script)
	if err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("resolve %s: %w", req.Script, err)
		l.log.Error().Err(out.Err).Msg("unhandled error while importing and running script")
		return out
	}
	out.Path = abs
	out.Identity = Identity(abs)

	unloaded, err := l.load(l.host.Runtime(), abs, out.Identity, req)
	out.Unloaded = unloaded
	switch {
	case errors.Is(err, ErrStopHook):
		out.Status, out.Err = StatusStopFailed, err
		l.log.Error().Err(err).Str("module", out.Identity).Msg("unhandled error while importing and running script")
	case err != nil:
		out.Status, out.Err = StatusFailed, err
		l.log.Error().Err(err).Str("module", out.Identity).Msg("unhandled error while importing and running script")
	default:
		out.Status = StatusRan
	}
	return out
}

// startDebugging brings the debug gate to Listening and, for script runs,
// blocks until a debugger client has attached. The block happens on the
// main thread, so queued tasks wait behind it; the gate's listener runs on
// its own goroutines and does not need the main thread to accept a client.
func (l *Loader) startDebugging(ctx context.Context, req Request) (Status, error) {
	if l.gate == nil {
		l.log.Error().Err(ErrDebugUnavailable).Msg("debug run requested")
		return StatusConfigError, ErrDebugUnavailable
	}
	if err := l.gate.EnsureStarted(ctx, req.DebugRuntimePath, req.DebugPort); err != nil {
		l.log.Error().Err(err).Msg("could not start debugging")
		return StatusConfigError, err
	}
	if req.Script == "" {
		return "", nil
	}

	if !l.gate.ClientConnected() {
		l.host.WriteText("Waiting for connection from client, and will then run " + req.Script)
	}
	if err := l.gate.WaitForClient(ctx); err != nil {
		l.log.Error().Err(err).Msg("gave up waiting for debugger client")
		return StatusDebugWaitFailed, err
	}
	l.host.WriteText("Client connected. Now running " + req.Script + " ...")
	return "", nil
}

// load retires the unit registered at id, unloads its submodules, then
// registers, executes and runs a fresh unit for path.
func (l *Loader) load(vm *goja.Runtime, path, id string, req Request) ([]string, error) {
	if prev, ok := l.registry.Lookup(id); ok {
		if err := l.stop(prev, StopContext{IsApplicationClosing: false}); err != nil {
			if !req.Debug {
				return nil, fmt.Errorf("%w: %s: %w", ErrStopHook, id, err)
			}
			// A failing stop hook under debug is usually a script mid-edit.
			l.log.Warn().Err(err).Str("module", id).Msg("unhandled error while calling the script's stop function")
		}
	}

	if len(req.PreservedPrefixes) > 0 {
		l.log.Debug().Str("module", id).Strs("preserved", req.PreservedPrefixes).Msg("unloading submodules")
	} else {
		l.log.Debug().Str("module", id).Msg("unloading submodules")
	}
	unloaded := l.registry.UnloadSubmodules(id, req.PreservedPrefixes)
	for _, name := range unloaded {
		l.log.Debug().Str("module", name).Msg("unloaded module")
	}

	unit := &Module{ID: id, Path: path}
	l.registry.Put(unit)
	if err := l.execute(vm, unit); err != nil {
		return unloaded, fmt.Errorf("%w: %s: %w", ErrScriptExecution, path, err)
	}
	hooks, err := detectHooks(vm, unit.Exports())
	if err != nil {
		return unloaded, fmt.Errorf("%w: %s: %w", ErrScriptExecution, path, err)
	}
	unit.hooks = hooks

	l.log.Debug().Str("module", id).Msg("running script")
	if err := hooks.Run(RunContext{IsApplicationStartup: false}); err != nil {
		return unloaded, fmt.Errorf("%w: %s: run: %w", ErrScriptExecution, path, err)
	}
	return unloaded, nil
}

func (l *Loader) stop(m *Module, ctx StopContext) error {
	stopper, ok := m.hooks.(Stoppable)
	if !ok {
		return nil
	}
	return stopper.Stop(ctx)
}

// StopAll calls every registered unit's stop hook with isApplicationClosing
// set. Failures are logged and do not stop the remaining units.
func (l *Loader) StopAll() error {
	if !l.host.OnMainThread() {
		return ErrNotMainThread
	}
	var errs []error
	for _, unit := range l.registry.Units() {
		if err := l.stop(unit, StopContext{IsApplicationClosing: true}); err != nil {
			l.log.Error().Err(err).Str("module", unit.ID).Msg("error while stopping script")
			errs = append(errs, fmt.Errorf("%s: %w", unit.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) report(ctx context.Context, out Outcome) {
	ev := l.log.Debug()
	if out.Err != nil {
		ev = l.log.Info()
	}
	ev.Str("status", string(out.Status)).Str("module", out.Identity).Dur("took", out.Finished.Sub(out.Started)).Msg("run script finished")

	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordOutcome(context.WithoutCancel(ctx), out); err != nil {
		l.log.Warn().Err(err).Msg("could not record run outcome")
	}
}
