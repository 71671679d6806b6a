// Package debug holds the debug attach gate: it makes sure a debugger
// listener is running before a debug run, and lets the run wait until a
// client has attached.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

var (
	// ErrConfiguration means the debugger could not be configured, for
	// example because no runtime path was given.
	ErrConfiguration = errors.New("debug: configuration error")
	ErrNotListening  = errors.New("debug: not listening")
)

// State is the gate's view of the debugger. It only moves forward.
type State int

const (
	NotStarted State = iota
	Listening
	ClientConnected
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Listening:
		return "listening"
	case ClientConnected:
		return "client_connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is handed to the debug runtime before it starts listening.
type Config struct {
	// RuntimePath is where the debugger runtime lives.
	RuntimePath string
	// Interpreter is the executable debug sessions attach to.
	Interpreter string
}

// Runtime is a debugger runtime the gate drives. Listen must not need the
// host main thread to accept a client.
type Runtime interface {
	// Active reports whether a debugger listener already exists in this
	// process, whoever started it.
	Active() bool
	Configure(cfg Config) error
	Listen(ctx context.Context, port int) (net.Addr, error)
	// ClientConnected is closed once a client has attached.
	ClientConnected() <-chan struct{}
}

// Gate tracks the debugger state for one bridge.
type Gate struct {
	rt  Runtime
	log zerolog.Logger

	mu    deadlock.Mutex
	state State
	addr  net.Addr
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(log zerolog.Logger) GateOption {
	return func(g *Gate) { g.log = log }
}

// NewGate creates a gate over rt. A nil rt uses the process runtime.
func NewGate(rt Runtime, opts ...GateOption) *Gate {
	if rt == nil {
		rt = Process()
	}
	g := &Gate{rt: rt, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reconcileLocked()
	return g.state
}

// Addr returns the listener address, or nil when the gate started nothing.
func (g *Gate) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// reconcileLocked picks up a listener that exists without this gate's help
// and a client that attached since the last look.
func (g *Gate) reconcileLocked() {
	if g.state == NotStarted && g.rt.Active() {
		g.state = Listening
	}
	if g.state == Listening {
		select {
		case <-g.rt.ClientConnected():
			g.state = ClientConnected
		default:
		}
	}
}

// EnsureStarted makes sure a debugger listener is accepting on port,
// configuring the runtime from runtimePath on first use. It is idempotent:
// once listening, later calls do nothing, whatever their arguments.
func (g *Gate) EnsureStarted(ctx context.Context, runtimePath string, port int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reconcileLocked()
	if g.state != NotStarted {
		return nil
	}
	if runtimePath == "" {
		return fmt.Errorf("%w: no debugger runtime path provided", ErrConfiguration)
	}

	interpreter, err := os.Executable()
	if err != nil {
		return fmt.Errorf("%w: locate interpreter: %w", ErrConfiguration, err)
	}
	if err := g.rt.Configure(Config{RuntimePath: runtimePath, Interpreter: interpreter}); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	addr, err := g.rt.Listen(ctx, port)
	if err != nil {
		return fmt.Errorf("%w: listen on port %d: %w", ErrConfiguration, port, err)
	}

	g.addr = addr
	g.state = Listening
	g.log.Info().Stringer("addr", addr).Str("runtime", runtimePath).Msg("debugger listening")
	return nil
}

// ClientConnected reports whether a client has attached.
func (g *Gate) ClientConnected() bool {
	return g.State() == ClientConnected
}

// WaitForClient blocks until a client has attached or ctx is done. It returns
// at once when a client is already connected.
func (g *Gate) WaitForClient(ctx context.Context) error {
	g.mu.Lock()
	g.reconcileLocked()
	state := g.state
	g.mu.Unlock()

	switch state {
	case ClientConnected:
		return nil
	case NotStarted:
		return ErrNotListening
	}

	select {
	case <-g.rt.ClientConnected():
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	if g.state < ClientConnected {
		g.state = ClientConnected
		g.log.Info().Msg("debugger client connected")
	}
	g.mu.Unlock()
	return nil
}
