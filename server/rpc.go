package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/scriptbridge/journal"
	"github.com/chazu/scriptbridge/runner"
)

const (
	// DefaultRPCAddr is where the RPC front end listens.
	DefaultRPCAddr = "localhost:18812"

	ServiceName = "scriptbridge.v1.RemoteService"

	RootProcedure      = "/" + ServiceName + "/Root"
	EvalProcedure      = "/" + ServiceName + "/Eval"
	GetAttrProcedure   = "/" + ServiceName + "/GetAttr"
	SetAttrProcedure   = "/" + ServiceName + "/SetAttr"
	CallProcedure      = "/" + ServiceName + "/Call"
	ReleaseProcedure   = "/" + ServiceName + "/Release"
	RunScriptProcedure = "/" + ServiceName + "/RunScript"
	HistoryProcedure   = "/" + ServiceName + "/History"

	// HandleKey marks a struct value that stands for a host object.
	HandleKey = "$handle"

	defaultSweepInterval = 5 * time.Minute
	defaultHandleTTL     = 30 * time.Minute
	defaultHistoryLimit  = 20
)

// Executor runs a task on the host main thread and waits for it.
type Executor interface {
	SubmitWait(ctx context.Context, task runner.Task) error
}

// Runtime exposes the host's script runtime. Main thread only.
type Runtime interface {
	Runtime() *goja.Runtime
}

// History lists recent runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// RPCFrontEnd serves the remote-call procedures. Requests and replies are
// google.protobuf.Struct values; host objects cross the wire as handles.
// It speaks Connect, gRPC and gRPC-Web on one port.
type RPCFrontEnd struct {
	*endpoint
	exec    Executor
	host    Runtime
	loader  ScriptRunner
	history History
	handles *HandleStore
	base    context.Context
	log     zerolog.Logger

	sweepInterval time.Duration
	handleTTL     time.Duration
	stopSweeper   func()
}

// RPCOption configures an RPCFrontEnd.
type RPCOption func(*RPCFrontEnd)

// WithHistory enables the History procedure.
func WithHistory(h History) RPCOption {
	return func(s *RPCFrontEnd) { s.history = h }
}

// WithRPCBaseContext sets the context RunScript calls execute under once
// they reach the main thread.
func WithRPCBaseContext(ctx context.Context) RPCOption {
	return func(s *RPCFrontEnd) { s.base = ctx }
}

// WithRPCLogger sets the front end's logger.
func WithRPCLogger(log zerolog.Logger) RPCOption {
	return func(s *RPCFrontEnd) { s.log = log }
}

// WithHandleTTL sets how often handles are swept and how long an unused
// handle lives. Non-positive values keep the defaults.
func WithHandleTTL(interval, ttl time.Duration) RPCOption {
	return func(s *RPCFrontEnd) {
		if interval > 0 {
			s.sweepInterval = interval
		}
		if ttl > 0 {
			s.handleTTL = ttl
		}
	}
}

// NewRPCFrontEnd creates the RPC front end and starts its handle sweeper.
func NewRPCFrontEnd(exec Executor, host Runtime, l ScriptRunner, opts ...RPCOption) *RPCFrontEnd {
	s := &RPCFrontEnd{
		exec:          exec,
		host:          host,
		loader:        l,
		handles:       NewHandleStore(),
		base:          context.Background(),
		log:           zerolog.Nop(),
		sweepInterval: defaultSweepInterval,
		handleTTL:     defaultHandleTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoint = newEndpoint("rpc", s.Handler(), s.log)
	s.stopSweeper = s.handles.StartSweeper(s.sweepInterval, s.handleTTL)
	return s
}

// Handles returns the front end's handle store.
func (s *RPCFrontEnd) Handles() *HandleStore {
	return s.handles
}

// Handler returns the procedures, wrapped for HTTP/2 without TLS.
func (s *RPCFrontEnd) Handler() http.Handler {
	opts := connect.WithInterceptors(s.logCalls())
	procedures := map[string]func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error){
		RootProcedure:      s.Root,
		EvalProcedure:      s.Eval,
		GetAttrProcedure:   s.GetAttr,
		SetAttrProcedure:   s.SetAttr,
		CallProcedure:      s.Call,
		ReleaseProcedure:   s.Release,
		RunScriptProcedure: s.RunScript,
		HistoryProcedure:   s.History,
	}
	mux := http.NewServeMux()
	for path, fn := range procedures {
		mux.Handle(path, connect.NewUnaryHandler(path, fn, opts))
	}
	return h2c.NewHandler(mux, &http2.Server{})
}

// Listen binds addr.
func (s *RPCFrontEnd) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return s.listen(ctx, addr)
}

// Serve answers calls on ln until Shutdown.
func (s *RPCFrontEnd) Serve(ln net.Listener) error {
	return s.serve(ln)
}

// Shutdown stops the front end and its handle sweeper.
func (s *RPCFrontEnd) Shutdown(ctx context.Context) error {
	s.stopSweeper()
	return s.shutdown(ctx)
}

func (s *RPCFrontEnd) logCalls() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			ev := s.log.Debug()
			if err != nil {
				ev = s.log.Warn().Err(err)
			}
			ev.Str("procedure", req.Spec().Procedure).Dur("took", time.Since(start)).Msg("rpc call")
			return resp, err
		}
	}
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

// Root returns a handle to the script global object.
func (s *RPCFrontEnd) Root(ctx context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.onMain(ctx, func(vm *goja.Runtime) (*structpb.Struct, error) {
		return s.result(vm, vm.GlobalObject())
	})
}

// Eval runs source in the global scope.
func (s *RPCFrontEnd) Eval(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	source := field(req.Msg, "source").GetStringValue()
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("source is required"))
	}
	return s.onMain(ctx, func(vm *goja.Runtime) (*structpb.Struct, error) {
		v, err := vm.RunString(source)
		if err != nil {
			return scriptFailure(err), nil
		}
		return s.result(vm, v)
	})
}

// GetAttr reads a property of a handle.
func (s *RPCFrontEnd) GetAttr(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	obj, name, err := s.target(req.Msg)
	if err != nil {
		return nil, err
	}
	return s.onMain(ctx, func(vm *goja.Runtime) (*structpb.Struct, error) {
		var v goja.Value
		if ex := vm.Try(func() { v = obj.ToObject(vm).Get(name) }); ex != nil {
			return scriptFailure(ex), nil
		}
		return s.result(vm, v)
	})
}

// SetAttr assigns a property of a handle.
func (s *RPCFrontEnd) SetAttr(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	obj, name, err := s.target(req.Msg)
	if err != nil {
		return nil, err
	}
	return s.onMain(ctx, func(vm *goja.Runtime) (*structpb.Struct, error) {
		value, err := s.decode(vm, field(req.Msg, "value"))
		if err != nil {
			return nil, err
		}
		var setErr error
		if ex := vm.Try(func() { setErr = obj.ToObject(vm).Set(name, value) }); ex != nil {
			return scriptFailure(ex), nil
		}
		if setErr != nil {
			return scriptFailure(setErr), nil
		}
		return okReply(nil), nil
	})
}

// Call invokes a function handle, or the named method of a handle.
func (s *RPCFrontEnd) Call(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id := field(req.Msg, "handle").GetStringValue()
	target, found := s.handles.Lookup(id)
	if !found {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", id))
	}
	name := field(req.Msg, "name").GetStringValue()

	return s.onMain(ctx, func(vm *goja.Runtime) (*structpb.Struct, error) {
		var args []goja.Value
		for _, a := range field(req.Msg, "args").GetListValue().GetValues() {
			v, err := s.decode(vm, a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}

		this, fnVal := goja.Undefined(), target
		if name != "" {
			if ex := vm.Try(func() { fnVal = target.ToObject(vm).Get(name) }); ex != nil {
				return scriptFailure(ex), nil
			}
			this = target
		}
		fn, isFn := goja.AssertFunction(fnVal)
		if !isFn {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s is not callable", describe(id, name)))
		}
		v, err := fn(this, args...)
		if err != nil {
			return scriptFailure(err), nil
		}
		return s.result(vm, v)
	})
}

// Release drops a handle. Releasing an unknown handle is not an error.
func (s *RPCFrontEnd) Release(_ context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	released := s.handles.Release(field(req.Msg, "handle").GetStringValue())
	return connect.NewResponse(okReply(map[string]*structpb.Value{"released": structpb.NewBoolValue(released)})), nil
}

// RunScript runs a script on the main thread and waits for the outcome.
// The request carries the same fields as an HTTP run message.
func (s *RPCFrontEnd) RunScript(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	data, err := protojson.Marshal(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	msg, err := DecodeRunRequest([]byte(`{"message":` + string(data) + `}`))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	var out *structpb.Struct
	err = s.exec.SubmitWait(ctx, func() error {
		runCtx, done := mainThreadContext(s.base, ctx)
		defer done()
		o := s.loader.RunScript(runCtx, msg.Request())
		fields := map[string]*structpb.Value{
			"status":   structpb.NewStringValue(string(o.Status)),
			"identity": structpb.NewStringValue(o.Identity),
			"path":     structpb.NewStringValue(o.Path),
			"unloaded": stringList(o.Unloaded),
		}
		if o.Err != nil {
			fields["error"] = structpb.NewStringValue(o.Err.Error())
		}
		out = &structpb.Struct{Fields: fields}
		return nil
	})
	if err != nil {
		return nil, mainThreadError(err)
	}
	return connect.NewResponse(out), nil
}

// History lists recent runs, newest first.
func (s *RPCFrontEnd) History(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if s.history == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("run journal is disabled"))
	}
	limit := int(field(req.Msg, "limit").GetNumberValue())
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	runs := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		runs = append(runs, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":          structpb.NewNumberValue(float64(e.ID)),
			"identity":    structpb.NewStringValue(e.Identity),
			"path":        structpb.NewStringValue(e.Path),
			"debug":       structpb.NewBoolValue(e.Debug),
			"status":      structpb.NewStringValue(e.Status),
			"error":       structpb.NewStringValue(e.Error),
			"started_at":  structpb.NewStringValue(e.StartedAt.Format(time.RFC3339Nano)),
			"finished_at": structpb.NewStringValue(e.FinishedAt.Format(time.RFC3339Nano)),
		}}))
	}
	return connect.NewResponse(okReply(map[string]*structpb.Value{"runs": structpb.NewListValue(&structpb.ListValue{Values: runs})})), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// onMain runs fn on the main thread and waits for its reply.
func (s *RPCFrontEnd) onMain(ctx context.Context, fn func(vm *goja.Runtime) (*structpb.Struct, error)) (*connect.Response[structpb.Struct], error) {
	var (
		out     *structpb.Struct
		callErr error
	)
	err := s.exec.SubmitWait(ctx, func() error {
		out, callErr = fn(s.host.Runtime())
		return nil
	})
	if err != nil {
		return nil, mainThreadError(err)
	}
	if callErr != nil {
		return nil, callErr
	}
	return connect.NewResponse(out), nil
}

func mainThreadError(err error) error {
	switch {
	case errors.Is(err, runner.ErrTaskPanicked):
		return connect.NewError(connect.CodeInternal, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeUnavailable, err)
	}
}

// target resolves the handle and property name of a GetAttr/SetAttr call.
func (s *RPCFrontEnd) target(msg *structpb.Struct) (goja.Value, string, error) {
	id := field(msg, "handle").GetStringValue()
	name := field(msg, "name").GetStringValue()
	if name == "" {
		return nil, "", connect.NewError(connect.CodeInvalidArgument, errors.New("name is required"))
	}
	v, found := s.handles.Lookup(id)
	if !found {
		return nil, "", connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", id))
	}
	return v, name, nil
}

// result builds a successful reply carrying v.
func (s *RPCFrontEnd) result(vm *goja.Runtime, v goja.Value) (*structpb.Struct, error) {
	enc, err := s.encode(vm, v)
	if err != nil {
		return scriptFailure(err), nil
	}
	return okReply(map[string]*structpb.Value{"value": enc}), nil
}

// encode converts v for the wire. Primitives travel by value; objects and
// functions become handles.
func (s *RPCFrontEnd) encode(vm *goja.Runtime, v goja.Value) (*structpb.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return structpb.NewNullValue(), nil
	}
	obj, isObj := v.(*goja.Object)
	if !isObj {
		enc, err := structpb.NewValue(v.Export())
		if err != nil {
			return structpb.NewStringValue(v.String()), nil
		}
		return enc, nil
	}

	kind := "object"
	if _, isFn := goja.AssertFunction(v); isFn {
		kind = "function"
	} else if obj.ClassName() == "Array" {
		kind = "array"
	}
	var display string
	if ex := vm.Try(func() { display = v.String() }); ex != nil {
		display = "[" + obj.ClassName() + "]"
	}
	id := s.handles.Create(v, kind, display)
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		HandleKey: structpb.NewStringValue(id),
		"type":    structpb.NewStringValue(kind),
		"display": structpb.NewStringValue(display),
	}}), nil
}

// decode converts a wire value into a script value, resolving handles.
func (s *RPCFrontEnd) decode(vm *goja.Runtime, v *structpb.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		if h, isHandle := k.StructValue.GetFields()[HandleKey]; isHandle {
			val, found := s.handles.Lookup(h.GetStringValue())
			if !found {
				return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", h.GetStringValue()))
			}
			return val, nil
		}
		obj := vm.NewObject()
		for name, fv := range k.StructValue.GetFields() {
			dv, err := s.decode(vm, fv)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(name, dv); err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
		}
		return obj, nil
	case *structpb.Value_ListValue:
		items := make([]any, 0, len(k.ListValue.GetValues()))
		for _, lv := range k.ListValue.GetValues() {
			dv, err := s.decode(vm, lv)
			if err != nil {
				return nil, err
			}
			items = append(items, dv)
		}
		return vm.NewArray(items...), nil
	default:
		return vm.ToValue(v.AsInterface()), nil
	}
}

func field(msg *structpb.Struct, name string) *structpb.Value {
	return msg.GetFields()[name]
}

func okReply(fields map[string]*structpb.Value) *structpb.Struct {
	if fields == nil {
		fields = map[string]*structpb.Value{}
	}
	fields["ok"] = structpb.NewBoolValue(true)
	return &structpb.Struct{Fields: fields}
}

// scriptFailure reports an error raised by script code. It is a normal
// reply, not an RPC error.
func scriptFailure(err error) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok":    structpb.NewBoolValue(false),
		"error": structpb.NewStringValue(err.Error()),
	}}
}

func stringList(ss []string) *structpb.Value {
	vals := make([]*structpb.Value, len(ss))
	for i, s := range ss {
		vals[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func describe(id, name string) string {
	if name == "" {
		return "handle " + id
	}
	return fmt.Sprintf("%s of handle %s", name, id)
}
