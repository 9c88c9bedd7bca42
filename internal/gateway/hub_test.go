package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jx-codes/lootbox/internal/correlate"
	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/jx-codes/lootbox/internal/wtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu   sync.Mutex
	fns  []protocol.FunctionDescriptor
}

func (f *fakeCatalog) Catalog() []protocol.FunctionDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.FunctionDescriptor(nil), f.fns...)
}

func (f *fakeCatalog) Has(namespace, function string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.fns {
		if fn.Namespace == namespace && fn.Function == function {
			return true
		}
	}
	return false
}

type fakeWorkers struct {
	handle *wtransport.Handle
}

func (f *fakeWorkers) Active(string) *wtransport.Handle { return f.handle }

func startGateway(t *testing.T, cat Catalog, workers WorkerLookup) (*Gateway, string, func()) {
	t.Helper()
	gw := New(DefaultConfig(), cat, workers, correlate.New())
	done := make(chan struct{})
	go gw.Run(done)

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return gw, url, func() {
		close(done)
		srv.Close()
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWelcomeSentOnConnect(t *testing.T) {
	cat := &fakeCatalog{fns: []protocol.FunctionDescriptor{{Namespace: "kv", Function: "get"}}}
	_, url, cleanup := startGateway(t, cat, &fakeWorkers{})
	defer cleanup()

	conn := dial(t, url)
	defer conn.Close()

	var welcome protocol.Welcome
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, protocol.TypeWelcome, welcome.Type)
	assert.ElementsMatch(t, cat.fns, welcome.Functions)
}

func TestUnknownFunctionRejectedWithoutDispatch(t *testing.T) {
	cat := &fakeCatalog{}
	_, url, cleanup := startGateway(t, cat, &fakeWorkers{})
	defer cleanup()

	conn := dial(t, url)
	defer conn.Close()

	var welcome protocol.Welcome
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(protocol.CallRequest{
		Type: protocol.TypeCall, ID: "c1", Namespace: "kv", Function: "nope",
	}))

	var errFrame protocol.ErrorFrame
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "c1", errFrame.ID)
	assert.Equal(t, string(protocol.ErrUnknownFunction), errFrame.Error)
}

func TestNoActiveWorkerRejectedWithWorkerLost(t *testing.T) {
	cat := &fakeCatalog{fns: []protocol.FunctionDescriptor{{Namespace: "kv", Function: "get"}}}
	_, url, cleanup := startGateway(t, cat, &fakeWorkers{handle: nil})
	defer cleanup()

	conn := dial(t, url)
	defer conn.Close()

	var welcome protocol.Welcome
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(protocol.CallRequest{
		Type: protocol.TypeCall, ID: "c1", Namespace: "kv", Function: "get",
	}))

	var errFrame protocol.ErrorFrame
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, string(protocol.ErrWorkerLost), errFrame.Error)
}

func TestFunctionsUpdatedBroadcastsToAllSessions(t *testing.T) {
	cat := &fakeCatalog{}
	gw, url, cleanup := startGateway(t, cat, &fakeWorkers{})
	defer cleanup()

	connA := dial(t, url)
	defer connA.Close()
	connB := dial(t, url)
	defer connB.Close()

	var welcome protocol.Welcome
	require.NoError(t, connA.ReadJSON(&welcome))
	require.NoError(t, connB.ReadJSON(&welcome))

	cat.mu.Lock()
	cat.fns = []protocol.FunctionDescriptor{{Namespace: "kv", Function: "set"}}
	cat.mu.Unlock()
	gw.OnRegistryChanged()

	for _, conn := range []*websocket.Conn{connA, connB} {
		var updated protocol.FunctionsUpdated
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&updated))
		assert.Equal(t, []protocol.FunctionDescriptor{{Namespace: "kv", Function: "set"}}, updated.Functions)
	}
}
