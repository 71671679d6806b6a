package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bridgeStub struct {
	mu       sync.Mutex
	messages []map[string]any
	code     int
}

func startStub(t *testing.T, code int) (*bridgeStub, string) {
	t.Helper()
	stub := &bridgeStub{code: code}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Message map[string]any `json:"message"`
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &env)
		stub.mu.Lock()
		stub.messages = append(stub.messages, env.Message)
		stub.mu.Unlock()
		w.WriteHeader(stub.code)
		_, _ = io.WriteString(w, "done")
	}))
	t.Cleanup(srv.Close)
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	return stub, port
}

func (s *bridgeStub) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.messages...)
}

func noHome() (string, error) { return "", errors.New("no home") }

func runCLI(t *testing.T, home func() (string, error), args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, home)
	return code, stdout.String(), stderr.String()
}

func TestParseBoolArg(t *testing.T) {
	tests := map[string]bool{"true": true, " FALSE ": false, "1": true, "0": false, "-3": true}
	for in, want := range tests {
		got, err := parseBoolArg(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseBoolArg("yes")
	assert.Error(t, err)
}

func TestRun_SendsRequest(t *testing.T) {
	stub, port := startStub(t, http.StatusOK)

	code, _, stderr := runCLI(t, noHome,
		"-script", "/work/job.js",
		"-addin_port", port,
		"-prefix_of_submodule_not_to_be_reloaded", "vendor",
		"-prefix_of_submodule_not_to_be_reloaded", "lib.shared",
	)

	require.Equal(t, 0, code, stderr)
	msgs := stub.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "/work/job.js", msgs[0]["script"])
	assert.Equal(t, false, msgs[0]["debug"])
	assert.Equal(t, float64(defaultDebugPort), msgs[0]["debug_port"])
	assert.Equal(t, []any{"vendor", "lib.shared"}, msgs[0]["prefixes_of_submodules_not_to_be_reloaded"])
}

func TestRun_DebugWithExplicitPath(t *testing.T) {
	stub, port := startStub(t, http.StatusOK)
	runtime := t.TempDir()

	code, _, stderr := runCLI(t, noHome, "-script", "a.js", "-addin_port", port, "-debug=1", "-debug_port", "5678", "-debugpy_path", runtime)

	require.Equal(t, 0, code, stderr)
	msg := stub.received()[0]
	assert.Equal(t, true, msg["debug"])
	assert.Equal(t, float64(5678), msg["debug_port"])
	want, err := filepath.EvalSymlinks(runtime)
	require.NoError(t, err)
	assert.Equal(t, want, msg["debugpy_path"])
}

func TestRun_DebugWithVSCodeRuntime(t *testing.T) {
	stub, port := startStub(t, http.StatusOK)
	home := t.TempDir()
	rt := filepath.Join(home, ".vscode", "extensions", "ms-python.python-2021.7.1", "pythonFiles", "lib", "python")
	require.NoError(t, os.MkdirAll(rt, 0o755))

	code, _, stderr := runCLI(t, func() (string, error) { return home, nil },
		"-script", "a.js", "-addin_port", port, "-debug", "-use_vscode_debugpy")

	require.Equal(t, 0, code, stderr)
	want, err := filepath.EvalSymlinks(rt)
	require.NoError(t, err)
	assert.Equal(t, want, stub.received()[0]["debugpy_path"])
}

func TestRun_DebugWithoutRuntimeFails(t *testing.T) {
	stub, port := startStub(t, http.StatusOK)

	code, stdout, _ := runCLI(t, noHome, "-script", "a.js", "-addin_port", port, "-debug")
	assert.Equal(t, exitNoRuntime, code)
	assert.Contains(t, stdout, "cannot proceed")

	code, stdout, _ = runCLI(t, func() (string, error) { return t.TempDir(), nil },
		"-script", "a.js", "-addin_port", port, "-debug", "-use_vscode_debugpy")
	assert.Equal(t, exitNoVSCodeRuntime, code)
	assert.Contains(t, stdout, "failed to find")

	assert.Empty(t, stub.received(), "nothing is sent")
}

func TestRun_Errors(t *testing.T) {
	code, _, stderr := runCLI(t, noHome)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "-script is required")

	code, _, _ = runCLI(t, noHome, "-script", "a.js", "-debug=maybe")
	assert.Equal(t, 2, code)

	_, port := startStub(t, http.StatusInternalServerError)
	code, _, stderr = runCLI(t, noHome, "-script", "a.js", "-addin_port", port)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "500")
}

func TestRun_UnreachableBridge(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	code, _, _ := runCLI(t, noHome, "-script", "a.js", "-addin_port", strconv.Itoa(port))
	assert.Equal(t, 1, code)
}
