package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"call","id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCall, typ)
}

func TestPeekTypeMissingType(t *testing.T) {
	_, err := PeekType([]byte(`{"id":"c1"}`))
	assert.Error(t, err)
}

func TestPeekTypeInvalidJSON(t *testing.T) {
	_, err := PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestCallRequestRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"call","id":"c1","namespace":"kv","function":"set","args":{"key":"a","value":1}}`)
	var req CallRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "kv", req.Namespace)
	assert.Equal(t, "set", req.Function)
	assert.Equal(t, "c1", req.ID)
}

func TestNewErrorUsesClosedKind(t *testing.T) {
	frame := NewError("c2", ErrUnknownFunction)
	assert.Equal(t, "unknown_function", frame.Error)
	assert.Equal(t, TypeError, frame.Type)
}

func TestWelcomeMarshalsFunctions(t *testing.T) {
	w := NewWelcome([]FunctionDescriptor{{Namespace: "kv", Function: "set"}})
	out, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"namespace":"kv"`)
}
