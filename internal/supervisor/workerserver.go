package supervisor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/wtransport"
)

// WorkerServer is the WebSocket endpoint workers dial into. It does not
// know about namespaces itself: each spawn registers a claim for the
// worker id it expects, and the server hands the accepted handle to
// whichever claim matches once the identify frame arrives. An
// unrecognized worker id is rejected and the connection closed — the
// supervisor is the only thing allowed to cause a worker to exist.
type WorkerServer struct {
	upgrader   websocket.Upgrader
	dispatcher wtransport.Dispatcher

	mu     sync.Mutex
	claims map[string]chan *wtransport.Handle

	handshakeTimeout time.Duration
}

func NewWorkerServer(dispatcher wtransport.Dispatcher, handshakeTimeout time.Duration) *WorkerServer {
	return &WorkerServer{
		upgrader:         websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		dispatcher:       dispatcher,
		claims:           make(map[string]chan *wtransport.Handle),
		handshakeTimeout: handshakeTimeout,
	}
}

// claim registers expectation for a worker id and returns a channel that
// receives the accepted handle once it connects and identifies.
func (ws *WorkerServer) claim(workerID string) chan *wtransport.Handle {
	ch := make(chan *wtransport.Handle, 1)
	ws.mu.Lock()
	ws.claims[workerID] = ch
	ws.mu.Unlock()
	return ch
}

func (ws *WorkerServer) unclaim(workerID string) {
	ws.mu.Lock()
	delete(ws.claims, workerID)
	ws.mu.Unlock()
}

func (ws *WorkerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.Warnw("worker websocket upgrade failed", "error", err)
		return
	}

	handle, err := wtransport.Accept(conn, ws.handshakeTimeout, ws.dispatcher)
	if err != nil {
		obslog.Warnw("worker handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	ws.mu.Lock()
	ch, ok := ws.claims[handle.WorkerID]
	if ok {
		delete(ws.claims, handle.WorkerID)
	}
	ws.mu.Unlock()

	if !ok {
		obslog.TagWarnw(obslog.EventWorkerLost, "rejecting unclaimed worker connection",
			obslog.FieldWorkerID, handle.WorkerID)
		_ = conn.Close()
		return
	}

	ch <- handle
}

var errClaimTimedOut = brokerr.New("worker did not connect before the ready timeout")
