package server

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/scriptbridge/loader"
)

func TestDecodeRunRequest_StringAndObjectMessagesMatch(t *testing.T) {
	asString := `{"message": "{\"script\": \"/x.js\", \"debug\": false}"}`
	asObject := `{"message": {"script": "/x.js", "debug": false}}`

	fromString, err := DecodeRunRequest([]byte(asString))
	require.NoError(t, err)
	fromObject, err := DecodeRunRequest([]byte(asObject))
	require.NoError(t, err)

	assert.Equal(t, fromObject, fromString)
	assert.Equal(t, loader.Request{Script: "/x.js"}, fromObject.Request())
}

func TestDecodeRunRequest_AllFields(t *testing.T) {
	body := `{"message": {
		"script": "/proj/main.js",
		"debug": true,
		"debugpy_path": "/opt/debug",
		"debug_port": 9000,
		"prefixes_of_submodules_not_to_be_reloaded": ["shared", "vendor"]
	}}`

	m, err := DecodeRunRequest([]byte(body))

	require.NoError(t, err)
	assert.Equal(t, loader.Request{
		Script:            "/proj/main.js",
		Debug:             true,
		DebugRuntimePath:  "/opt/debug",
		DebugPort:         9000,
		PreservedPrefixes: []string{"shared", "vendor"},
	}, m.Request())
}

func TestDecodeRunRequest_Failures(t *testing.T) {
	tests := map[string]string{
		"not json":          `not json`,
		"no message":        `{"other": 1}`,
		"null message":      `{"message": null}`,
		"number message":    `{"message": 42}`,
		"string not object": `{"message": "[1,2]"}`,
		"bad inner json":    `{"message": "{not"}`,
		"port out of range": `{"message": {"debug_port": 70000}}`,
		"negative port":     `{"message": {"debug_port": -1}}`,
		"port not numeric":  `{"message": {"debug_port": "abc"}}`,
		"script not string": `{"message": {"script": 5}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRunRequest([]byte(body))
			assert.ErrorIs(t, err, ErrTransport)
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`null`, false},
		{`1`, true},
		{`0`, false},
		{`0.5`, true},
		{`"true"`, true},
		{`"False"`, true},
		{`"false"`, true},
		{`"0"`, true},
		{`"1"`, true},
		{`"yes"`, true},
		{`""`, false},
		{`[]`, false},
		{`[0]`, true},
		{`{}`, false},
		{`{"a": 1}`, true},
	}
	for _, tt := range tests {
		var v Truthy
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &v), tt.raw)
		assert.Equal(t, tt.want, bool(v), tt.raw)
	}
}

func TestPort(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`9000`, 9000},
		{`"9001"`, 9001},
		{`null`, 0},
	}
	for _, tt := range tests {
		var p Port
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &p), tt.raw)
		assert.Equal(t, tt.want, int(p), tt.raw)
	}

	var p Port
	assert.Error(t, json.Unmarshal([]byte(`"90x"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`true`), &p))
}

func TestMessageSchema(t *testing.T) {
	data, err := json.Marshal(MessageSchema())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema has properties: %s", data)
	for _, name := range []string{"script", "debug", "debugpy_path", "debug_port", "prefixes_of_submodules_not_to_be_reloaded"} {
		assert.Contains(t, props, name)
	}
}
