package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// readHeaderTimeout bounds how long a peer may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// endpoint is one listening HTTP server. Both front ends are built on it.
type endpoint struct {
	name string
	log  zerolog.Logger
	srv  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

func newEndpoint(name string, h http.Handler, log zerolog.Logger) *endpoint {
	return &endpoint{
		name: name,
		log:  log,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// listen binds addr. It is separate from serve so callers learn about a
// port already in use before they start any goroutine.
func (e *endpoint) listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, transportError(err, "listen on %s", addr)
	}
	e.mu.Lock()
	e.addr = ln.Addr()
	e.mu.Unlock()
	return ln, nil
}

// serve blocks until the server is shut down. A clean shutdown returns nil.
func (e *endpoint) serve(ln net.Listener) error {
	e.log.Info().Str("front_end", e.name).Stringer("addr", ln.Addr()).Msg("listening")
	err := e.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shutdown stops accepting requests and waits for in-flight ones.
func (e *endpoint) shutdown(ctx context.Context) error {
	e.log.Debug().Str("front_end", e.name).Msg("shutting down")
	if err := e.srv.Shutdown(ctx); err != nil {
		return transportError(err, "shut down %s front end", e.name)
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (e *endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}
