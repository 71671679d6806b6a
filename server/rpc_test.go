package server

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/scriptbridge/host"
	"github.com/chazu/scriptbridge/journal"
	"github.com/chazu/scriptbridge/loader"
	"github.com/chazu/scriptbridge/runner"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type rpcEnv struct {
	t       *testing.T
	app     *host.App
	runner  *runner.Runner
	journal *journal.Journal
	rpc     *RPCFrontEnd
	srv     *httptest.Server
}

func newRPCEnv(t *testing.T) *rpcEnv {
	t.Helper()
	app := host.New()
	require.NoError(t, app.Start())
	t.Cleanup(app.Stop)

	r := runner.New("rpc-test", app)
	t.Cleanup(func() { r.Close() })

	j, err := journal.Open(context.Background(), journal.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	l := loader.New(app, loader.WithRecorder(j))
	rpc := NewRPCFrontEnd(r, app, l, WithHistory(j))
	t.Cleanup(func() { rpc.Shutdown(context.Background()) })

	srv := httptest.NewServer(rpc.Handler())
	t.Cleanup(srv.Close)

	return &rpcEnv{t: t, app: app, runner: r, journal: j, rpc: rpc, srv: srv}
}

func (e *rpcEnv) call(procedure string, fields map[string]any) (*structpb.Struct, error) {
	e.t.Helper()
	msg, err := structpb.NewStruct(fields)
	require.NoError(e.t, err)

	client := connect.NewClient[structpb.Struct, structpb.Struct](e.srv.Client(), e.srv.URL+procedure)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (e *rpcEnv) mustCall(procedure string, fields map[string]any) *structpb.Struct {
	e.t.Helper()
	out, err := e.call(procedure, fields)
	require.NoError(e.t, err)
	return out
}

func value(out *structpb.Struct) *structpb.Value {
	return out.GetFields()["value"]
}

func handleOf(t *testing.T, out *structpb.Struct) string {
	t.Helper()
	require.True(t, out.GetFields()["ok"].GetBoolValue(), "reply: %v", out)
	id := value(out).GetStructValue().GetFields()[HandleKey].GetStringValue()
	require.NotEmpty(t, id, "reply carries no handle: %v", out)
	return id
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

func TestRPC_EvalPrimitives(t *testing.T) {
	e := newRPCEnv(t)

	out := e.mustCall(EvalProcedure, map[string]any{"source": "3 + 4"})
	assert.True(t, out.GetFields()["ok"].GetBoolValue())
	assert.Equal(t, float64(7), value(out).GetNumberValue())

	out = e.mustCall(EvalProcedure, map[string]any{"source": "'hello'"})
	assert.Equal(t, "hello", value(out).GetStringValue())

	out = e.mustCall(EvalProcedure, map[string]any{"source": "undefined"})
	_, isNull := value(out).GetKind().(*structpb.Value_NullValue)
	assert.True(t, isNull)
}

func TestRPC_EvalScriptErrorIsAReply(t *testing.T) {
	e := newRPCEnv(t)

	out := e.mustCall(EvalProcedure, map[string]any{"source": "throw new Error('boom')"})

	assert.False(t, out.GetFields()["ok"].GetBoolValue())
	assert.Contains(t, out.GetFields()["error"].GetStringValue(), "boom")
}

func TestRPC_EvalRequiresSource(t *testing.T) {
	e := newRPCEnv(t)

	_, err := e.call(EvalProcedure, map[string]any{})

	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestRPC_RootGetSetAttr(t *testing.T) {
	e := newRPCEnv(t)
	root := handleOf(t, e.mustCall(RootProcedure, nil))

	out := e.mustCall(SetAttrProcedure, map[string]any{"handle": root, "name": "answer", "value": 42})
	assert.True(t, out.GetFields()["ok"].GetBoolValue())

	out = e.mustCall(GetAttrProcedure, map[string]any{"handle": root, "name": "answer"})
	assert.Equal(t, float64(42), value(out).GetNumberValue())

	app := handleOf(t, e.mustCall(GetAttrProcedure, map[string]any{"handle": root, "name": "app"}))
	out = e.mustCall(GetAttrProcedure, map[string]any{"handle": app, "name": "name"})
	assert.Equal(t, host.DefaultName, value(out).GetStringValue())
}

func TestRPC_CallFunctionAndMethod(t *testing.T) {
	e := newRPCEnv(t)

	fn := handleOf(t, e.mustCall(EvalProcedure, map[string]any{"source": "(function (a, b) { return a * b; })"}))
	out := e.mustCall(CallProcedure, map[string]any{"handle": fn, "args": []any{6, 7}})
	assert.Equal(t, float64(42), value(out).GetNumberValue())

	obj := handleOf(t, e.mustCall(EvalProcedure, map[string]any{"source": "({n: 2, times: function (k) { return this.n * k; }})"}))
	out = e.mustCall(CallProcedure, map[string]any{"handle": obj, "name": "times", "args": []any{5}})
	assert.Equal(t, float64(10), value(out).GetNumberValue())
}

func TestRPC_HandlesPassAsArguments(t *testing.T) {
	e := newRPCEnv(t)

	obj := handleOf(t, e.mustCall(EvalProcedure, map[string]any{"source": "({label: 'widget'})"}))
	fn := handleOf(t, e.mustCall(EvalProcedure, map[string]any{"source": "(function (o) { return o.label; })"}))

	out := e.mustCall(CallProcedure, map[string]any{
		"handle": fn,
		"args":   []any{map[string]any{HandleKey: obj}},
	})
	assert.Equal(t, "widget", value(out).GetStringValue())
}

func TestRPC_CallErrors(t *testing.T) {
	e := newRPCEnv(t)

	_, err := e.call(CallProcedure, map[string]any{"handle": "h-missing"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	obj := handleOf(t, e.mustCall(EvalProcedure, map[string]any{"source": "({x: 1})"}))
	_, err = e.call(CallProcedure, map[string]any{"handle": obj, "name": "x"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = e.call(GetAttrProcedure, map[string]any{"handle": obj})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestRPC_Release(t *testing.T) {
	e := newRPCEnv(t)
	root := handleOf(t, e.mustCall(RootProcedure, nil))

	out := e.mustCall(ReleaseProcedure, map[string]any{"handle": root})
	assert.True(t, out.GetFields()["released"].GetBoolValue())

	out = e.mustCall(ReleaseProcedure, map[string]any{"handle": root})
	assert.False(t, out.GetFields()["released"].GetBoolValue())

	_, err := e.call(GetAttrProcedure, map[string]any{"handle": root, "name": "app"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestRPC_RunScriptAndHistory(t *testing.T) {
	e := newRPCEnv(t)
	path := filepath.Join(t.TempDir(), "job.js")
	require.NoError(t, os.WriteFile(path, []byte(`exports.run = function (c) { globalThis.startup = c.isApplicationStartup; };`), 0o644))

	out := e.mustCall(RunScriptProcedure, map[string]any{"script": path, "debug": false})

	assert.Equal(t, string(loader.StatusRan), out.GetFields()["status"].GetStringValue())
	assert.Equal(t, loader.Identity(path), out.GetFields()["identity"].GetStringValue())

	check := e.mustCall(EvalProcedure, map[string]any{"source": "startup"})
	assert.False(t, value(check).GetBoolValue())
	_, isBool := value(check).GetKind().(*structpb.Value_BoolValue)
	assert.True(t, isBool)

	hist := e.mustCall(HistoryProcedure, map[string]any{"limit": 5})
	runs := hist.GetFields()["runs"].GetListValue().GetValues()
	require.Len(t, runs, 1)
	assert.Equal(t, path, runs[0].GetStructValue().GetFields()["path"].GetStringValue())
}

func TestRPC_RunScriptRejectsBadMessage(t *testing.T) {
	e := newRPCEnv(t)

	_, err := e.call(RunScriptProcedure, map[string]any{"debug_port": 123456})

	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestRPC_HistoryDisabled(t *testing.T) {
	app := host.New()
	require.NoError(t, app.Start())
	defer app.Stop()
	r := runner.New("rpc-test", app)
	defer r.Close()

	rpc := NewRPCFrontEnd(r, app, loader.New(app))
	defer rpc.Shutdown(context.Background())

	_, err := rpc.History(context.Background(), connect.NewRequest(&structpb.Struct{}))
	assert.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))
}

func TestRPC_ClosedRunnerIsUnavailable(t *testing.T) {
	e := newRPCEnv(t)
	require.NoError(t, e.runner.Close())

	_, err := e.call(EvalProcedure, map[string]any{"source": "1"})

	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
}

func TestRPC_RunScriptOutlivesItsCaller(t *testing.T) {
	app := host.New()
	require.NoError(t, app.Start())
	t.Cleanup(app.Stop)
	r := runner.New("rpc-test", app)
	t.Cleanup(func() { r.Close() })
	l := &recordingLoader{}
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	rpc := NewRPCFrontEnd(r, app, l, WithRPCBaseContext(base))
	defer rpc.Shutdown(context.Background())

	release := make(chan struct{})
	require.NoError(t, r.Submit(func() error {
		<-release
		return nil
	}))
	msg, err := structpb.NewStruct(map[string]any{"script": "/a.js"})
	require.NoError(t, err)
	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()

	_, err = rpc.RunScript(ctx, connect.NewRequest(msg))
	require.Error(t, err, "caller gave up while the run was queued")
	close(release)

	require.Eventually(t, func() bool { return len(l.runErrs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, l.runErrs()[0])

	cancel()
	_, err = rpc.RunScript(context.Background(), connect.NewRequest(msg))
	require.NoError(t, err)
	errs := l.runErrs()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], context.Canceled)
}
