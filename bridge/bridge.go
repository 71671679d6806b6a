// Package bridge assembles a running script bridge from its configuration:
// host, runner, journal, loader, debug gate and the two front ends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/scriptbridge/config"
	"github.com/chazu/scriptbridge/debug"
	"github.com/chazu/scriptbridge/host"
	"github.com/chazu/scriptbridge/journal"
	"github.com/chazu/scriptbridge/loader"
	"github.com/chazu/scriptbridge/logging"
	"github.com/chazu/scriptbridge/runner"
	"github.com/chazu/scriptbridge/server"
)

// statusPaletteLines is how many palette lines GET /status includes.
const statusPaletteLines = 20

// Bridge is a started script bridge.
type Bridge struct {
	cfg *config.Config
	log zerolog.Logger

	logging *logging.Logging
	app     *host.App
	runner  *runner.Runner
	journal *journal.Journal
	loader  *loader.Loader
	gate    *debug.Gate
	http    *server.HTTPFrontEnd
	rpc     *server.RPCFrontEnd

	// life ends when Stop begins; queued runs execute under it.
	life    context.Context
	endLife context.CancelFunc
	debugRT io.Closer

	serving errgroup.Group
	stopped bool
}

// Option configures Start.
type Option func(*options)

type options struct {
	logging *logging.Logging
	runtime debug.Runtime
	appOpts []host.Option
	logOpts logging.Options
}

// WithLogging uses an existing logging setup instead of building one from
// the configuration. Stop still closes it.
func WithLogging(l *logging.Logging) Option {
	return func(o *options) { o.logging = l }
}

// WithDebugRuntime replaces the process-wide debugger runtime.
func WithDebugRuntime(rt debug.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithHostOptions passes options to the host application.
func WithHostOptions(opts ...host.Option) Option {
	return func(o *options) { o.appOpts = append(o.appOpts, opts...) }
}

// WithLogOptions passes options to logging.New.
func WithLogOptions(lo logging.Options) Option {
	return func(o *options) { o.logOpts = lo }
}

// Start brings the bridge up. Logging and the host are required; any later
// subsystem that fails to start is logged and left out while the rest keep
// going.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) (*Bridge, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	lg := o.logging
	if lg == nil {
		var err error
		if lg, err = logging.New(cfg.Log, o.logOpts); err != nil {
			return nil, fmt.Errorf("bridge: set up logging: %w", err)
		}
	}
	b := &Bridge{cfg: cfg, log: lg.Logger, logging: lg}
	b.life, b.endLife = context.WithCancel(context.WithoutCancel(ctx))
	b.log.Info().
		Str("config", configSource(cfg)).
		Str("log_file", cfg.Log.File).
		Str("log_max", humanize.IBytes(uint64(cfg.Log.MaxSizeMB)<<20)).
		Msg("starting script bridge")

	b.app = host.New(append([]host.Option{host.WithLogger(lg.Host)}, o.appOpts...)...)
	if err := b.app.Start(); err != nil {
		b.endLife()
		_ = lg.Close()
		return nil, fmt.Errorf("bridge: start host: %w", err)
	}
	if err := lg.AttachPalette(b.app); err != nil {
		b.log.Warn().Err(err).Msg("palette log sink not attached")
	}

	b.runner = runner.New("bridge", b.app, runner.WithLogger(b.log))
	b.log.Debug().Str("runner", b.runner.ID()).Msg("task runner ready")

	b.openJournal(ctx)
	b.startDebugGate(o.runtime)

	loaderOpts := []loader.Option{loader.WithLogger(b.log), loader.WithGate(&defaultedGate{
		Gate:        b.gate,
		runtimePath: cfg.Debug.RuntimePath,
		timeout:     cfg.Debug.WaitTimeout.Duration,
	})}
	if b.journal != nil {
		loaderOpts = append(loaderOpts, loader.WithRecorder(b.journal))
	}
	b.loader = loader.New(b.app, loaderOpts...)

	if cfg.HTTP.Enabled {
		b.startHTTP(ctx)
	}
	if cfg.RPC.Enabled {
		b.startRPC(ctx)
	}
	b.log.Info().Msg("script bridge started")
	return b, nil
}

func configSource(cfg *config.Config) string {
	if cfg.Path == "" {
		return "defaults"
	}
	return cfg.Path
}

func (b *Bridge) openJournal(ctx context.Context) {
	path := b.cfg.Journal.Path
	if path == "" {
		return
	}
	j, err := journal.Open(ctx, path)
	if err != nil {
		b.log.Error().Err(err).Str("path", path).Msg("run journal disabled")
		return
	}
	b.journal = j
	ev := b.log.Info().Str("path", path)
	if info, err := os.Stat(path); err == nil {
		ev = ev.Str("size", humanize.Bytes(uint64(info.Size())))
	}
	ev.Msg("run journal open")
}

func (b *Bridge) startDebugGate(rt debug.Runtime) {
	if rt == nil {
		p := debug.Process()
		p.SetLogger(b.log)
		rt = p
		b.debugRT = p
	}
	b.gate = debug.NewGate(rt, debug.WithLogger(b.log))
}

func (b *Bridge) startHTTP(ctx context.Context) {
	h := server.NewHTTPFrontEnd(b.runner, b.loader,
		server.WithStatus(b.status),
		server.WithBaseContext(b.life),
		server.WithHTTPLogger(b.log))
	ln, err := h.Listen(ctx, b.cfg.HTTP.Addr)
	if err != nil {
		b.log.Error().Err(err).Msg("http front end not started")
		return
	}
	b.http = h
	b.serving.Go(func() error { return h.Serve(ln) })
}

func (b *Bridge) startRPC(ctx context.Context) {
	opts := []server.RPCOption{
		server.WithRPCLogger(b.log),
		server.WithRPCBaseContext(b.life),
		server.WithHandleTTL(b.cfg.RPC.SweepInterval.Duration, b.cfg.RPC.HandleTTL.Duration),
	}
	if b.journal != nil {
		opts = append(opts, server.WithHistory(b.journal))
	}
	s := server.NewRPCFrontEnd(b.runner, b.app, b.loader, opts...)
	ln, err := s.Listen(ctx, b.cfg.RPC.Addr)
	if err != nil {
		_ = s.Shutdown(ctx)
		b.log.Error().Err(err).Msg("rpc front end not started")
		return
	}
	b.rpc = s
	b.serving.Go(func() error { return s.Serve(ln) })
}

// status gathers a snapshot for GET /status. Units and palette lines are
// read on the main thread.
func (b *Bridge) status(ctx context.Context) (server.Status, error) {
	st := server.Status{
		Debug:    b.gate.State().String(),
		Pending:  b.runner.Pending(),
		RunnerID: b.runner.ID(),
	}
	if b.rpc != nil {
		st.Handles = b.rpc.Handles().Len()
	}
	type snapshot struct{ units, palette []string }
	out := make(chan snapshot, 1)
	err := b.runner.SubmitWait(ctx, func() error {
		lines := b.app.Palette().Lines()
		if len(lines) > statusPaletteLines {
			lines = lines[len(lines)-statusPaletteLines:]
		}
		out <- snapshot{units: b.loader.Registry().Names(), palette: lines}
		return nil
	})
	if err != nil {
		return st, err
	}
	snap := <-out
	st.Units, st.Palette = snap.units, snap.palette
	return st, nil
}

// App returns the host application.
func (b *Bridge) App() *host.App { return b.app }

// Runner returns the bridge's task runner.
func (b *Bridge) Runner() *runner.Runner { return b.runner }

// Loader returns the module loader. Main thread only, like its registry.
func (b *Bridge) Loader() *loader.Loader { return b.loader }

// Gate returns the debug attach gate.
func (b *Bridge) Gate() *debug.Gate { return b.gate }

// Journal returns the run journal, or nil when it is disabled.
func (b *Bridge) Journal() *journal.Journal { return b.journal }

// HTTP returns the HTTP front end, or nil when it is not running.
func (b *Bridge) HTTP() *server.HTTPFrontEnd { return b.http }

// RPC returns the RPC front end, or nil when it is not running.
func (b *Bridge) RPC() *server.RPCFrontEnd { return b.rpc }

// Logger returns the bridge's logger.
func (b *Bridge) Logger() zerolog.Logger { return b.log }

// Wait blocks until every front end has stopped serving and returns the
// first serve error.
func (b *Bridge) Wait() error {
	return b.serving.Wait()
}

// Stop tears the bridge down: pending runs, front ends, script stop hooks,
// runner, journal, debugger, host, then logging. Every step is attempted
// whatever happened before it, and all failures are returned joined. A
// host that does not stop before ctx ends is reported and left behind.
// Stopping twice is a no-op.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.stopped {
		return nil
	}
	b.stopped = true
	b.log.Info().Msg("stopping script bridge")
	b.endLife()

	var errs []error
	if b.http != nil {
		errs = append(errs, b.http.Shutdown(ctx))
	}
	if b.rpc != nil {
		errs = append(errs, b.rpc.Shutdown(ctx))
	}
	errs = append(errs, b.serving.Wait())

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := b.runner.SubmitWait(stopCtx, func() error { return b.loader.StopAll() })
	cancel()
	if err != nil {
		errs = append(errs, fmt.Errorf("bridge: stop scripts: %w", err))
	}

	errs = append(errs, b.runner.Close())
	if b.journal != nil {
		errs = append(errs, b.journal.Close())
	}
	if b.debugRT != nil {
		errs = append(errs, b.debugRT.Close())
	}
	errs = append(errs, b.stopHost(ctx))

	err = errors.Join(errs...)
	if err != nil {
		b.log.Error().Err(err).Msg("errors while stopping script bridge")
	} else {
		b.log.Info().Msg("script bridge stopped")
	}
	return errors.Join(err, b.logging.Close())
}

func (b *Bridge) stopHost(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.app.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: stop host: %w", ctx.Err())
	}
}

// defaultedGate fills in the configured runtime path for requests that name
// none and bounds the wait for a debugger client.
type defaultedGate struct {
	*debug.Gate
	runtimePath string
	timeout     time.Duration
}

func (g *defaultedGate) EnsureStarted(ctx context.Context, runtimePath string, port int) error {
	if runtimePath == "" {
		runtimePath = g.runtimePath
	}
	return g.Gate.EnsureStarted(ctx, runtimePath, port)
}

func (g *defaultedGate) WaitForClient(ctx context.Context) error {
	if g.timeout <= 0 {
		return g.Gate.WaitForClient(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.Gate.WaitForClient(ctx)
}
