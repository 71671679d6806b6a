package server

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	pkgerrors "github.com/pkg/errors"

	"github.com/chazu/scriptbridge/loader"
)

// ErrTransport marks a request that could not be decoded or served.
var ErrTransport = errors.New("server: transport error")

// transportError wraps err as a TransportError with a stack trace, so a %+v
// rendering reads like a traceback.
func transportError(err error, format string, args ...any) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: %s: %w", ErrTransport, fmt.Sprintf(format, args...), err))
}

// RunMessage is the decoded "message" of a run request.
type RunMessage struct {
	Script    string   `json:"script,omitempty" jsonschema:"description=Path of the script to run"`
	Debug     Truthy   `json:"debug,omitempty" jsonschema:"description=Run under the debugger"`
	DebugPath string   `json:"debugpy_path,omitempty" jsonschema:"description=Where the debugger runtime lives"`
	DebugPort Port     `json:"debug_port,omitempty" validate:"gte=0,lte=65535" jsonschema:"description=Port the debugger listens on"`
	Preserved []string `json:"prefixes_of_submodules_not_to_be_reloaded,omitempty" jsonschema:"description=Submodule name prefixes kept across reloads"`
}

// Request converts m into a loader request.
func (m RunMessage) Request() loader.Request {
	return loader.Request{
		Script:            m.Script,
		Debug:             bool(m.Debug),
		DebugRuntimePath:  m.DebugPath,
		DebugPort:         int(m.DebugPort),
		PreservedPrefixes: m.Preserved,
	}
}

// envelope is the request body. Message is either an object or a string
// holding the JSON encoding of one.
type envelope struct {
	Message json.RawMessage `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeRunRequest decodes a request body into a RunMessage. A string
// message and the equivalent object decode identically.
func DecodeRunRequest(body []byte) (RunMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return RunMessage{}, transportError(err, "decode request body")
	}
	raw := bytes.TrimSpace(env.Message)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return RunMessage{}, transportError(errors.New("missing field"), "request has no message")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return RunMessage{}, transportError(err, "decode message string")
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	if len(raw) == 0 || raw[0] != '{' {
		return RunMessage{}, transportError(fmt.Errorf("got %.32q", raw), "message is not a JSON object")
	}

	var m RunMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return RunMessage{}, transportError(err, "decode message")
	}
	if err := validate.Struct(m); err != nil {
		return RunMessage{}, transportError(err, "invalid message")
	}
	return m, nil
}

// Truthy is a bool that also accepts numbers, strings and collections the
// way a loosely typed caller means them.
type Truthy bool

func (t *Truthy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case 'n':
		*t = false
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*t = Truthy(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		// Any non-empty string is true, "false" and "0" included.
		*t = s != ""
	case '[':
		var v []any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = len(v) > 0
	case '{':
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = len(v) > 0
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("debug: %w", err)
		}
		*t = f != 0
	}
	return nil
}

func (Truthy) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "boolean"},
			{Type: "number"},
			{Type: "string"},
			{Type: "null"},
		},
	}
}

// Port is a port number given as a JSON integer or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("debug_port: %w", err)
		}
		*p = Port(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("debug_port: %w", err)
	}
	*p = Port(n)
	return nil
}

func (Port) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "integer"},
			{Type: "string", Pattern: `^[0-9]+$`},
		},
	}
}

// MessageSchema returns the JSON Schema of RunMessage.
func MessageSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	s := r.Reflect(&RunMessage{})
	s.Title = "run message"
	return s
}
