// Package server holds the bridge's network front ends: a request/reply
// HTTP endpoint that queues run-script requests, and an RPC endpoint that
// lets a peer drive the host's script surface directly.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/chazu/scriptbridge/loader"
	"github.com/chazu/scriptbridge/runner"
)

const (
	// DefaultHTTPAddr is where the request/reply front end listens.
	DefaultHTTPAddr = "localhost:19812"
	// Ack is the reply body of an accepted run request.
	Ack = "done"

	maxBodyBytes = 1 << 20
)

// Queue accepts tasks for the host main thread.
type Queue interface {
	Submit(task runner.Task) error
}

// ScriptRunner runs one script request on the main thread.
type ScriptRunner interface {
	RunScript(ctx context.Context, req loader.Request) loader.Outcome
}

// Status is what GET /status reports.
type Status struct {
	Debug    string   `json:"debug"`
	Pending  int      `json:"pending"`
	Units    []string `json:"units"`
	Handles  int      `json:"handles,omitempty"`
	Palette  []string `json:"palette,omitempty"`
	RunnerID string   `json:"runner_id,omitempty"`
}

// StatusFunc gathers a status snapshot.
type StatusFunc func(ctx context.Context) (Status, error)

// HTTPFrontEnd turns POSTed run requests into queued RunScript tasks. The
// reply is sent once the task is queued, not once it has run.
type HTTPFrontEnd struct {
	*endpoint
	queue  Queue
	loader ScriptRunner
	status StatusFunc
	base   context.Context
	log    zerolog.Logger
}

// HTTPOption configures an HTTPFrontEnd.
type HTTPOption func(*HTTPFrontEnd)

// WithStatus enables GET /status.
func WithStatus(fn StatusFunc) HTTPOption {
	return func(h *HTTPFrontEnd) { h.status = fn }
}

// WithBaseContext sets the context queued runs execute under. Cancelling it
// ends runs still waiting, for example on a debugger client.
func WithBaseContext(ctx context.Context) HTTPOption {
	return func(h *HTTPFrontEnd) { h.base = ctx }
}

// WithHTTPLogger sets the front end's logger.
func WithHTTPLogger(log zerolog.Logger) HTTPOption {
	return func(h *HTTPFrontEnd) { h.log = log }
}

// NewHTTPFrontEnd creates the request/reply front end.
func NewHTTPFrontEnd(queue Queue, l ScriptRunner, opts ...HTTPOption) *HTTPFrontEnd {
	h := &HTTPFrontEnd{queue: queue, loader: l, base: context.Background(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	h.endpoint = newEndpoint("http", h.Handler(), h.log)
	return h
}

// Handler returns the front end's routes.
func (h *HTTPFrontEnd) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", h.handleRun)
	mux.HandleFunc("GET /schema", h.handleSchema)
	mux.HandleFunc("GET /status", h.handleStatus)
	return mux
}

// Listen binds addr.
func (h *HTTPFrontEnd) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return h.listen(ctx, addr)
}

// Serve answers requests on ln until Shutdown.
func (h *HTTPFrontEnd) Serve(ln net.Listener) error {
	return h.serve(ln)
}

// Shutdown stops the front end.
func (h *HTTPFrontEnd) Shutdown(ctx context.Context) error {
	return h.shutdown(ctx)
}

func (h *HTTPFrontEnd) handleRun(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("got an http request")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, transportError(err, "read request body"))
		return
	}
	msg, err := DecodeRunRequest(body)
	if err != nil {
		h.fail(w, err)
		return
	}

	req := msg.Request()
	task := func() error {
		h.loader.RunScript(h.base, req)
		return nil
	}
	if err := h.queue.Submit(task); err != nil {
		h.fail(w, transportError(err, "queue run request"))
		return
	}

	h.log.Debug().Str("script", req.Script).Bool("debug", req.Debug).Msg("queued run request")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, Ack)
}

// mainThreadContext keeps ctx's values for work done on the main thread but
// ends only with base, not when the caller gives up.
func mainThreadContext(base, ctx context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(base, cancel)
	return c, func() {
		stop()
		cancel()
	}
}

func (h *HTTPFrontEnd) fail(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Msg("an error occurred while handling http request")
	http.Error(w, fmt.Sprintf("%+v", err), http.StatusInternalServerError)
}

func (h *HTTPFrontEnd) handleSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MessageSchema())
}

func (h *HTTPFrontEnd) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	st, err := h.status(r.Context())
	if err != nil {
		h.fail(w, transportError(err, "gather status"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
