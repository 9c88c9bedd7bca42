package brokerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("worker exited")
	wrapped := Wrap(original, "spawning namespace kv")

	assert.Contains(t, wrapped.Error(), "spawning namespace kv")
	assert.Contains(t, wrapped.Error(), "worker exited")
	assert.True(t, Is(wrapped, original))
}

func TestWithHint(t *testing.T) {
	err := WithHint(New("timed out"), "increase call_timeout")
	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "increase call_timeout", hints[0])
}
