package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflightTrackingRoundTrip(t *testing.T) {
	s := &Session{inflight: make(map[string]string)}

	s.markBrokerID("client-1", "broker-1")
	id, ok := s.brokerIDFor("client-1")
	assert.True(t, ok)
	assert.Equal(t, "broker-1", id)

	s.clearInflight("client-1")
	_, ok = s.brokerIDFor("client-1")
	assert.False(t, ok)
}

func TestEnqueueDropsAfterClose(t *testing.T) {
	s := &Session{inflight: make(map[string]string), send: make(chan interface{}, 1)}
	s.close()

	s.enqueue("frame")

	v, ok := <-s.send
	assert.False(t, ok, "expected channel closed with no frame, got %v", v)
}
