package debug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-dap"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrAlreadyListening = errors.New("debug: runtime already listening")
	ErrRuntimeClosed    = errors.New("debug: runtime closed")
)

// mainThreadID is the only thread reported to clients.
const mainThreadID = 1

// DAPRuntime is a Debug Adapter Protocol listener. It runs the protocol
// handshake on its own goroutines and counts a client as connected once the
// client sends configurationDone.
type DAPRuntime struct {
	log zerolog.Logger

	mu  deadlock.Mutex
	cfg Config
	ln  net.Listener

	done      chan struct{}
	closeOnce sync.Once

	connected     chan struct{}
	connectedOnce sync.Once
	sessions      sync.WaitGroup
}

// NewDAPRuntime creates a runtime that is not yet listening.
func NewDAPRuntime(log zerolog.Logger) *DAPRuntime {
	return &DAPRuntime{
		log:       log,
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

var (
	processOnce    sync.Once
	processRuntime *DAPRuntime
)

// Process returns the runtime shared by the whole process. Its Active
// method is the process-wide check for an existing debugger listener.
func Process() *DAPRuntime {
	processOnce.Do(func() { processRuntime = NewDAPRuntime(zerolog.Nop()) })
	return processRuntime
}

// SetLogger replaces the runtime's logger. Call it before Listen.
func (r *DAPRuntime) SetLogger(log zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = log
}

func (r *DAPRuntime) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ln != nil && !r.isClosed()
}

// Config returns the configuration last passed to Configure.
func (r *DAPRuntime) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Configure records cfg. The runtime path must be an existing directory.
func (r *DAPRuntime) Configure(cfg Config) error {
	info, err := os.Stat(cfg.RuntimePath)
	if err != nil {
		return fmt.Errorf("debugger runtime: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("debugger runtime %s is not a directory", cfg.RuntimePath)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	return nil
}

// Listen starts accepting clients on localhost:port. Port 0 picks a free
// port. A runtime listens at most once.
func (r *DAPRuntime) Listen(ctx context.Context, port int) (net.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed() {
		return nil, ErrRuntimeClosed
	}
	if r.ln != nil {
		return nil, ErrAlreadyListening
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	r.ln = ln
	go r.accept(ln)
	return ln.Addr(), nil
}

func (r *DAPRuntime) ClientConnected() <-chan struct{} {
	return r.connected
}

// Close stops accepting clients and waits for open sessions to end. The
// runtime cannot listen again afterwards.
func (r *DAPRuntime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		ln := r.ln
		r.mu.Unlock()
		if ln != nil {
			err = ln.Close()
		}
	})
	r.sessions.Wait()
	return err
}

func (r *DAPRuntime) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *DAPRuntime) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Error().Err(err).Msg("debugger accept failed")
			}
			return
		}
		r.log.Debug().Stringer("remote", conn.RemoteAddr()).Msg("debugger client attached")
		r.sessions.Add(1)
		go func() {
			defer r.sessions.Done()
			s := &session{rt: r, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
			s.serve()
		}()
	}
}

func (r *DAPRuntime) markConnected() {
	r.connectedOnce.Do(func() {
		r.log.Info().Msg("debugger client finished configuration")
		close(r.connected)
	})
}

// session is one client connection. All writes happen on the session's
// goroutine.
type session struct {
	rt   *DAPRuntime
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	seq  int
}

func (s *session) serve() {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-stop:
		case <-s.rt.done:
			s.conn.Close()
		}
	}()
	defer s.conn.Close()

	for {
		msg, err := dap.ReadProtocolMessage(s.r)
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				req := &dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq, Type: "request"}}
				if s.sendError(req, err.Error()) != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.rt.log.Debug().Err(err).Msg("debugger session ended")
			}
			return
		}
		more, err := s.dispatch(msg)
		if err != nil {
			s.rt.log.Debug().Err(err).Msg("debugger write failed")
			return
		}
		if !more {
			return
		}
	}
}

// dispatch answers one client message. It reports false once the client
// has disconnected.
func (s *session) dispatch(msg dap.Message) (bool, error) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		resp := &dap.InitializeResponse{Response: s.response(&req.Request)}
		resp.Body = dap.Capabilities{SupportsConfigurationDoneRequest: true}
		if err := s.send(resp); err != nil {
			return false, err
		}
		return true, s.send(&dap.InitializedEvent{Event: s.event("initialized")})

	case *dap.AttachRequest:
		return true, s.send(&dap.AttachResponse{Response: s.response(&req.Request)})

	case *dap.LaunchRequest:
		return true, s.send(&dap.LaunchResponse{Response: s.response(&req.Request)})

	case *dap.SetBreakpointsRequest:
		bps := make([]dap.Breakpoint, len(req.Arguments.Breakpoints))
		for i, sb := range req.Arguments.Breakpoints {
			bps[i] = dap.Breakpoint{Id: i + 1, Verified: true, Line: sb.Line}
		}
		resp := &dap.SetBreakpointsResponse{Response: s.response(&req.Request)}
		resp.Body.Breakpoints = bps
		return true, s.send(resp)

	case *dap.SetExceptionBreakpointsRequest:
		return true, s.send(&dap.SetExceptionBreakpointsResponse{Response: s.response(&req.Request)})

	case *dap.ThreadsRequest:
		resp := &dap.ThreadsResponse{Response: s.response(&req.Request)}
		resp.Body.Threads = []dap.Thread{{Id: mainThreadID, Name: "main"}}
		return true, s.send(resp)

	case *dap.ConfigurationDoneRequest:
		if err := s.send(&dap.ConfigurationDoneResponse{Response: s.response(&req.Request)}); err != nil {
			return false, err
		}
		s.rt.markConnected()
		return true, nil

	case *dap.DisconnectRequest:
		return false, s.send(&dap.DisconnectResponse{Response: s.response(&req.Request)})

	case dap.RequestMessage:
		r := req.GetRequest()
		return true, s.sendError(r, fmt.Sprintf("unsupported request %q", r.Command))

	default:
		// Responses and events from the client are ignored.
		return true, nil
	}
}

func (s *session) nextSeq() int {
	s.seq++
	return s.seq
}

func (s *session) response(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (s *session) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "event"},
		Event:           name,
	}
}

func (s *session) sendError(req *dap.Request, text string) error {
	resp := &dap.ErrorResponse{Response: s.response(req)}
	resp.Success = false
	resp.Message = text
	resp.Body.Error = &dap.ErrorMessage{Id: 1, Format: text}
	return s.send(resp)
}

func (s *session) send(msg dap.Message) error {
	if err := dap.WriteProtocolMessage(s.w, msg); err != nil {
		return err
	}
	return s.w.Flush()
}
