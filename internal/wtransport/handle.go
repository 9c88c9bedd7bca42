// Package wtransport owns the one persistent WebSocket session the
// broker keeps open to each worker subprocess: accepting the inbound
// handshake (identify, then ready), serializing outbound writes, and
// demultiplexing inbound result/error/crash frames back to a Dispatcher.
package wtransport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
)

// State is a worker handle's lifecycle stage, per spec §3.
type State int32

const (
	StateSpawning State = iota
	StateReady
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB, generous for RPC args
)

// Dispatcher receives demultiplexed worker replies. The registry/
// supervisor layer implements it to bridge into the correlation table.
type Dispatcher interface {
	Resolve(callID string, data json.RawMessage)
	Reject(callID string, kind protocol.ErrorKind)
	// WorkerLost is called exactly once, when the transport's read pump
	// exits for any reason (clean close, protocol error, network loss).
	WorkerLost(workerID, namespace string)
}

// Handle is one worker subprocess's live transport session.
type Handle struct {
	WorkerID  string
	Namespace string

	conn       *websocket.Conn
	dispatcher Dispatcher

	state   atomic.Int32
	writeMu sync.Mutex
	closeOnce sync.Once
}

// Accept performs the worker handshake on a freshly-upgraded connection:
// the worker must send identify within handshakeTimeout, naming itself
// by a worker id that, for this broker, is one-to-one with the
// namespace it serves. The caller (the supervisor) is responsible for
// matching that id against an in-flight spawn before trusting it. The
// returned Handle is in StateSpawning; call WaitReady to block for the
// ready frame, and Run to start the read pump.
func Accept(conn *websocket.Conn, handshakeTimeout time.Duration, dispatcher Dispatcher) (*Handle, error) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, brokerr.Wrap(err, "reading identify frame")
	}

	typ, err := protocol.PeekType(raw)
	if err != nil || typ != protocol.TypeIdentify {
		return nil, brokerr.Newf("expected identify frame, got type %q", typ)
	}

	var identify protocol.WorkerIdentify
	if err := json.Unmarshal(raw, &identify); err != nil {
		return nil, brokerr.Wrap(err, "decoding identify frame")
	}
	if identify.WorkerID == "" {
		return nil, brokerr.New("identify frame carried an empty worker id")
	}

	h := &Handle{
		WorkerID:   identify.WorkerID,
		Namespace:  identify.WorkerID,
		conn:       conn,
		dispatcher: dispatcher,
	}
	h.state.Store(int32(StateSpawning))
	return h, nil
}

// WaitReady blocks for the worker's ready frame, or until ctx is
// cancelled / a deadline elapses. It must be called before Run.
func (h *Handle) WaitReady(ctx context.Context) error {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = h.conn.SetReadDeadline(deadline)
	}

	_, raw, err := h.conn.ReadMessage()
	if err != nil {
		return brokerr.Wrap(err, "reading ready frame")
	}

	typ, err := protocol.PeekType(raw)
	if err != nil || typ != protocol.TypeReady {
		return brokerr.Newf("expected ready frame, got type %q", typ)
	}

	h.state.Store(int32(StateReady))
	obslog.Tagw(obslog.EventWorkerReady, "worker ready",
		obslog.FieldWorkerID, h.WorkerID, obslog.FieldNamespace, h.Namespace)
	return nil
}

// State returns the handle's current lifecycle stage.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// MarkDraining transitions a ready handle to draining: it continues to
// service in-flight calls but must refuse new dispatch (enforced by the
// caller, which should stop handing this handle to new calls).
func (h *Handle) MarkDraining() {
	h.state.CompareAndSwap(int32(StateReady), int32(StateDraining))
}

// SendCall dispatches one RPC invocation to the worker. Writes are
// serialized with a mutex to preserve per-worker send order.
func (h *Handle) SendCall(id, functionName string, args json.RawMessage) error {
	return h.writeJSON(protocol.NewWorkerCall(id, functionName, args))
}

// SendShutdown asks the worker to exit cleanly.
func (h *Handle) SendShutdown() error {
	return h.writeJSON(protocol.NewWorkerShutdown())
}

func (h *Handle) writeJSON(v interface{}) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.State() == StateDead {
		return brokerr.New("cannot write to a dead worker handle")
	}
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteJSON(v)
}

// Run starts the read pump and a keepalive ping ticker; it blocks until
// the connection closes, then marks the handle dead and notifies the
// dispatcher exactly once. Call in its own goroutine.
func (h *Handle) Run() {
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))

	stopPing := make(chan struct{})
	go h.pingLoop(stopPing)
	defer close(stopPing)

	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			h.die()
			return
		}
		h.route(raw)
	}
}

func (h *Handle) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.writeMu.Lock()
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := h.conn.WriteMessage(websocket.PingMessage, nil)
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (h *Handle) route(raw []byte) {
	typ, err := protocol.PeekType(raw)
	if err != nil {
		obslog.Warnw("dropping malformed worker frame", obslog.FieldWorkerID, h.WorkerID, "error", err)
		return
	}

	switch typ {
	case protocol.TypeResult:
		var res protocol.WorkerResult
		if err := json.Unmarshal(raw, &res); err != nil {
			obslog.Warnw("dropping malformed result frame", obslog.FieldWorkerID, h.WorkerID)
			return
		}
		h.dispatcher.Resolve(res.ID, res.Data)
	case protocol.TypeError:
		var errFrame protocol.WorkerError
		if err := json.Unmarshal(raw, &errFrame); err != nil {
			obslog.Warnw("dropping malformed error frame", obslog.FieldWorkerID, h.WorkerID)
			return
		}
		h.dispatcher.Reject(errFrame.ID, protocol.ErrFunctionError)
	case protocol.TypeCrash:
		var crash protocol.WorkerCrash
		_ = json.Unmarshal(raw, &crash)
		obslog.TagWarnw(obslog.EventWorkerLost, "worker reported crash",
			obslog.FieldWorkerID, h.WorkerID, "error", crash.Error)
	default:
		obslog.Warnw("ignoring unknown frame type from worker", obslog.FieldWorkerID, h.WorkerID, "type", typ)
	}
}

func (h *Handle) die() {
	h.closeOnce.Do(func() {
		h.state.Store(int32(StateDead))
		_ = h.conn.Close()
		obslog.TagWarnw(obslog.EventWorkerLost, "worker transport closed",
			obslog.FieldWorkerID, h.WorkerID, obslog.FieldNamespace, h.Namespace)
		h.dispatcher.WorkerLost(h.WorkerID, h.Namespace)
	})
}

// Close forcibly closes the transport, e.g. after a failed drain grace.
func (h *Handle) Close() error {
	h.die()
	return nil
}
