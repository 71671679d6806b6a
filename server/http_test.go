package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/scriptbridge/loader"
	"github.com/chazu/scriptbridge/runner"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type recordingQueue struct {
	mu    sync.Mutex
	tasks []runner.Task
	err   error
}

func (q *recordingQueue) Submit(task runner.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *recordingQueue) drain(t *testing.T) {
	t.Helper()
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		require.NoError(t, task())
	}
}

type recordingLoader struct {
	mu       sync.Mutex
	requests []loader.Request
	ctxErrs  []error
}

func (l *recordingLoader) RunScript(ctx context.Context, req loader.Request) loader.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, req)
	l.ctxErrs = append(l.ctxErrs, ctx.Err())
	return loader.Outcome{Status: loader.StatusRan, Path: req.Script}
}

func (l *recordingLoader) snapshot() []loader.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]loader.Request(nil), l.requests...)
}

func (l *recordingLoader) runErrs() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.ctxErrs...)
}

func newHTTPTest(t *testing.T, opts ...HTTPOption) (*httptest.Server, *recordingQueue, *recordingLoader) {
	t.Helper()
	q := &recordingQueue{}
	l := &recordingLoader{}
	srv := httptest.NewServer(NewHTTPFrontEnd(q, l, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, q, l
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

// ---------------------------------------------------------------------------
// POST /
// ---------------------------------------------------------------------------

func TestHTTP_RunRequestIsQueuedAndAcknowledged(t *testing.T) {
	srv, q, l := newHTTPTest(t)

	code, body := post(t, srv.URL+"/", `{"message": {"script": "/tmp/a.js"}}`)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Ack, body)
	require.Equal(t, 1, q.count())
	assert.Empty(t, l.snapshot(), "reply must not wait for the run")

	q.drain(t)
	require.Len(t, l.requests, 1)
	assert.Equal(t, loader.Request{Script: "/tmp/a.js"}, l.requests[0])
}

func TestHTTP_QueuedRunsEndWithBaseContext(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	srv, q, l := newHTTPTest(t, WithBaseContext(base))

	code, _ := post(t, srv.URL+"/", `{"message": {"script": "/a.js"}}`)
	require.Equal(t, http.StatusOK, code)
	q.drain(t)
	cancel()
	code, _ = post(t, srv.URL+"/", `{"message": {"script": "/b.js"}}`)
	require.Equal(t, http.StatusOK, code)
	q.drain(t)

	errs := l.runErrs()
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0], "request context ended with the reply")
	assert.ErrorIs(t, errs[1], context.Canceled)
}

func TestHTTP_StringAndObjectMessagesHandledIdentically(t *testing.T) {
	srv, q, l := newHTTPTest(t)

	code1, body1 := post(t, srv.URL+"/", `{"message": "{\"script\": \"/x.js\", \"debug\": false}"}`)
	code2, body2 := post(t, srv.URL+"/", `{"message": {"script": "/x.js", "debug": false}}`)

	assert.Equal(t, code1, code2)
	assert.Equal(t, body1, body2)
	q.drain(t)
	require.Len(t, l.requests, 2)
	assert.Equal(t, l.requests[0], l.requests[1])
}

func TestHTTP_UnparsableBodyIs500AndNotQueued(t *testing.T) {
	srv, q, _ := newHTTPTest(t)

	code, body := post(t, srv.URL+"/", `not json`)

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "decode request body")
	assert.Contains(t, body, "server.DecodeRunRequest", "description carries a stack trace")
	assert.Zero(t, q.count())
}

func TestHTTP_QueueFailureIs500(t *testing.T) {
	srv, q, _ := newHTTPTest(t)
	q.mu.Lock()
	q.err = runner.ErrClosed
	q.mu.Unlock()

	code, body := post(t, srv.URL+"/", `{"message": {"script": "/a.js"}}`)

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, runner.ErrClosed.Error())
}

func TestHTTP_OnlyRootAcceptsRuns(t *testing.T) {
	srv, q, _ := newHTTPTest(t)

	resp, err := http.Post(srv.URL+"/elsewhere", "application/json", strings.NewReader(`{"message": {}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, q.count())
}

// ---------------------------------------------------------------------------
// GET /schema, GET /status
// ---------------------------------------------------------------------------

func TestHTTP_Schema(t *testing.T) {
	srv, _, _ := newHTTPTest(t)

	resp, err := http.Get(srv.URL + "/schema")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Contains(t, doc, "properties")
}

func TestHTTP_Status(t *testing.T) {
	srv, _, _ := newHTTPTest(t, WithStatus(func(context.Context) (Status, error) {
		return Status{Debug: "listening", Pending: 2, Units: []string{"__main__a"}}, nil
	}))

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "listening", st.Debug)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, []string{"__main__a"}, st.Units)
}

func TestHTTP_StatusErrors(t *testing.T) {
	srv, _, _ := newHTTPTest(t)
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv, _, _ = newHTTPTest(t, WithStatus(func(context.Context) (Status, error) {
		return Status{}, errors.New("main thread busy")
	}))
	code, body := func() (int, string) {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}()
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, "main thread busy")
}

// ---------------------------------------------------------------------------
// Listening
// ---------------------------------------------------------------------------

func TestHTTP_ListenServeShutdown(t *testing.T) {
	q := &recordingQueue{}
	h := NewHTTPFrontEnd(q, &recordingLoader{})

	ln, err := h.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.Serve(ln) }()

	code, body := post(t, "http://"+h.Addr().String()+"/", `{"message": {"script": "/a.js"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, Ack, body)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestHTTP_ListenOnBusyPortIsTransportError(t *testing.T) {
	first := NewHTTPFrontEnd(&recordingQueue{}, &recordingLoader{})
	ln, err := first.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	second := NewHTTPFrontEnd(&recordingQueue{}, &recordingLoader{})
	_, err = second.Listen(context.Background(), ln.Addr().String())
	assert.ErrorIs(t, err, ErrTransport)
}
