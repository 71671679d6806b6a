// Package client talks to a running bridge: run requests over the HTTP
// front end, remote calls over the RPC front end.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/scriptbridge/server"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 30 * time.Second

var ErrRejected = errors.New("client: request rejected")

// Message is a run request as sent on the wire.
type Message struct {
	Script            string   `json:"script"`
	Debug             bool     `json:"debug"`
	DebugRuntimePath  string   `json:"debugpy_path,omitempty"`
	DebugPort         int      `json:"debug_port,omitempty"`
	PreservedPrefixes []string `json:"prefixes_of_submodules_not_to_be_reloaded,omitempty"`
}

// Client sends run requests to the HTTP front end.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the front end at base, for example
// "http://localhost:19812".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForPort returns a Client for the front end on localhost:port.
func ForPort(port int, opts ...Option) *Client {
	return New(fmt.Sprintf("http://localhost:%d", port), opts...)
}

// Run posts msg. A nil error only means the bridge queued the run; the run
// itself reports into the host's log.
func (c *Client) Run(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]any{"message": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, strings.TrimSpace(string(reply)))
	}
	return nil
}

// Status fetches the bridge's status report.
func (c *Client) Status(ctx context.Context) (server.Status, error) {
	var st server.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

// Remote calls procedures on the RPC front end.
type Remote struct {
	base string
	http connect.HTTPClient
}

// NewRemote creates a Remote for the RPC front end at base. Pass an
// http.Client that speaks h2c or HTTP/1.1; connect works over both.
func NewRemote(base string, hc connect.HTTPClient) *Remote {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Remote{base: strings.TrimRight(base, "/"), http: hc}
}

// Call invokes procedure with fields as its request message.
func (r *Remote) Call(ctx context.Context, procedure string, fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	c := connect.NewClient[structpb.Struct, structpb.Struct](r.http, r.base+procedure)
	resp, err := c.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Eval evaluates source on the host's main thread.
func (r *Remote) Eval(ctx context.Context, source string) (*structpb.Struct, error) {
	return r.Call(ctx, server.EvalProcedure, map[string]any{"source": source})
}
