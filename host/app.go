// Package host is the single-threaded application scripts run inside.
//
// The App owns a goja runtime driven by a goja_nodejs event loop. The
// goroutine running that loop is the main thread: the runtime, its globals
// and the palette may only be touched from callbacks posted with
// PostToMainThread.
package host

import (
	"errors"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/petermattis/goid"
	"github.com/rs/zerolog"
)

var (
	ErrNotStarted     = errors.New("host: not started")
	ErrAlreadyStarted = errors.New("host: already started")
	ErrStopped        = errors.New("host: stopped")
)

// DefaultName is the value of app.name seen by scripts.
const DefaultName = "scriptbridge"

// App is the host application.
type App struct {
	name    string
	log     zerolog.Logger
	loop    *eventloop.EventLoop
	palette *Palette

	// Only touched on the main thread once Start returns.
	vm      *goja.Runtime
	appObj  *goja.Object
	natives map[string]goja.Value

	mainID  atomic.Int64
	started atomic.Bool
	stopped atomic.Bool
}

// Option configures an App.
type Option func(*App)

// WithName sets the name scripts see as app.name.
func WithName(name string) Option {
	return func(a *App) { a.name = name }
}

// WithLogger sets the logger that receives console output from scripts.
func WithLogger(log zerolog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithPaletteSize bounds the number of lines the palette retains.
func WithPaletteSize(n int) Option {
	return func(a *App) { a.palette = NewPalette(n) }
}

// New creates an App. Call Start before posting work to it.
func New(opts ...Option) *App {
	a := &App{
		name:    DefaultName,
		log:     zerolog.Nop(),
		palette: NewPalette(DefaultPaletteSize),
		natives: make(map[string]goja.Value),
	}
	for _, opt := range opts {
		opt(a)
	}

	reg := require.NewRegistry()
	reg.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&consolePrinter{app: a}))
	a.loop = eventloop.NewEventLoop(
		eventloop.WithRegistry(reg),
		eventloop.EnableConsole(true),
	)
	return a
}

// Start runs the event loop in the background and blocks until the main
// thread has installed the host globals.
func (a *App) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	a.loop.Start()

	ready := make(chan struct{})
	a.loop.RunOnLoop(func(vm *goja.Runtime) {
		a.mainID.Store(goid.Get())
		a.vm = vm
		a.installGlobals(vm)
		close(ready)
	})
	<-ready
	a.log.Debug().Str("app", a.name).Msg("host main thread started")
	return nil
}

// Stop halts the event loop. Callbacks queued but not yet run are dropped.
// Stop must not be called from the main thread.
func (a *App) Stop() {
	if !a.started.Load() || !a.stopped.CompareAndSwap(false, true) {
		return
	}
	a.loop.Stop()
	a.log.Debug().Str("app", a.name).Msg("host main thread stopped")
}

// PostToMainThread schedules callback on the main thread. Callbacks run in
// the order they were posted. Safe from any goroutine.
func (a *App) PostToMainThread(callback func()) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if a.stopped.Load() {
		return ErrStopped
	}
	a.loop.RunOnLoop(func(*goja.Runtime) { callback() })
	return nil
}

// OnMainThread reports whether the caller is running on the main thread.
func (a *App) OnMainThread() bool {
	id := a.mainID.Load()
	return id != 0 && id == goid.Get()
}

// Runtime returns the goja runtime. Main thread only; returns nil elsewhere.
func (a *App) Runtime() *goja.Runtime {
	if !a.OnMainThread() {
		return nil
	}
	return a.vm
}

// Palette returns the host's text palette. Main thread only.
func (a *App) Palette() *Palette {
	return a.palette
}

// WriteText appends a line to the palette. Main thread only.
func (a *App) WriteText(text string) {
	a.palette.WriteText(text)
}

// NativeModule returns a host-provided module scripts can require by bare
// name. Main thread only.
func (a *App) NativeModule(name string) (goja.Value, bool) {
	v, ok := a.natives[name]
	return v, ok
}

// Name returns the application name.
func (a *App) Name() string {
	return a.name
}
