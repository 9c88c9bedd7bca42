package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tetratelabs/wazero/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyModule is the minimal valid WASM binary: just the magic number
// and version, no sections. wazero compiles it without error.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type noopRPC struct{}

func (noopRPC) Call(context.Context, string, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestCompiledModuleIsCached(t *testing.T) {
	sb, err := New(noopRPC{})
	require.NoError(t, err)
	defer sb.Close()

	first, err := sb.compiled(context.Background(), emptyModule)
	require.NoError(t, err)

	second, err := sb.compiled(context.Background(), emptyModule)
	require.NoError(t, err)

	assert.True(t, first == second, "second compile of identical bytes must hit the cache")
	assert.Len(t, sb.cached, 1)
}

func TestAsExitErrorUnwrapsExitCode(t *testing.T) {
	var target *sys.ExitError
	err := sys.NewExitError(uint32(2))

	ok := asExitError(err, &target)

	require.True(t, ok)
	assert.Equal(t, uint32(2), target.ExitCode())
}

func TestAsExitErrorFalseForOtherErrors(t *testing.T) {
	var target *sys.ExitError
	ok := asExitError(assertError("boom"), &target)
	assert.False(t, ok)
}

type assertError string

func (e assertError) Error() string { return string(e) }
