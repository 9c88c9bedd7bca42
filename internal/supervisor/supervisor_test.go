package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDurationCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	cap_ := 2 * time.Second

	assert.Equal(t, base, backoffDuration(base, cap_, 1))
	assert.Equal(t, 2*base, backoffDuration(base, cap_, 2))
	assert.Equal(t, 4*base, backoffDuration(base, cap_, 3))
	assert.Equal(t, cap_, backoffDuration(base, cap_, 20), "must cap rather than grow unbounded")
}

type noopDispatcher struct{}

func (noopDispatcher) Resolve(string, json.RawMessage)              {}
func (noopDispatcher) Reject(string, protocol.ErrorKind)             {}
func (noopDispatcher) WorkerLost(string, string)                     {}

func TestWorkerServerRejectsUnclaimedWorker(t *testing.T) {
	ws := NewWorkerServer(noopDispatcher{}, time.Second)
	srv := httptest.NewServer(http.HandlerFunc(ws.ServeHTTP))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.WorkerIdentify{Type: protocol.TypeIdentify, WorkerID: "kv"}))

	// No claim was registered for "kv", so the server must close the
	// connection rather than silently accept it.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWorkerServerRoutesClaimedWorker(t *testing.T) {
	ws := NewWorkerServer(noopDispatcher{}, time.Second)
	srv := httptest.NewServer(http.HandlerFunc(ws.ServeHTTP))
	defer srv.Close()

	claimCh := ws.claim("kv")

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.WorkerIdentify{Type: protocol.TypeIdentify, WorkerID: "kv"}))

	select {
	case handle := <-claimCh:
		assert.Equal(t, "kv", handle.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("claimed worker was never routed to the waiting spawn")
	}
}
