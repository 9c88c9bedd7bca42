// Package gateway implements the client-facing edge of the broker: the
// WebSocket hub scripts and UIs connect to, per spec component F. It
// speaks the call/cancel/result/error/functions_updated protocol and is
// the only package that touches both the namespace registry and the
// worker supervisor.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jx-codes/lootbox/internal/correlate"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/jx-codes/lootbox/internal/wtransport"
)

// Catalog is the subset of the registry the gateway depends on.
type Catalog interface {
	Catalog() []protocol.FunctionDescriptor
	Has(namespace, function string) bool
}

// WorkerLookup is the subset of the supervisor the gateway depends on.
type WorkerLookup interface {
	Active(namespace string) *wtransport.Handle
}

// Config tunes gateway behavior.
type Config struct {
	CallTimeout   time.Duration
	CallRateLimit float64 // calls/sec per session
	CallRateBurst int
	CheckOrigin   func(r *http.Request) bool
	PingInterval  time.Duration
	PongTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:   30 * time.Second,
		CallRateLimit: 50,
		CallRateBurst: 100,
		CheckOrigin:   AllowOrigins([]string{"*"}),
		PingInterval:  54 * time.Second,
		PongTimeout:   60 * time.Second,
	}
}

// AllowOrigins builds a websocket.Upgrader-compatible CheckOrigin
// function from a configured allow-list. "*" allows every origin;
// otherwise only an exact match on the request's Origin header passes.
func AllowOrigins(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// Gateway is the single hub owning every connected client session. One
// event loop (Run) serializes register/unregister/broadcast against the
// sessions map so no separate locking is needed for membership.
type Gateway struct {
	cfg      Config
	catalog  Catalog
	workers  WorkerLookup
	table    *correlate.Table
	upgrader websocket.Upgrader

	register   chan *Session
	unregister chan *Session
	broadcast  chan struct{}

	mu       sync.RWMutex
	sessions map[*Session]bool
}

func New(cfg Config, catalog Catalog, workers WorkerLookup, table *correlate.Table) *Gateway {
	return &Gateway{
		cfg:     cfg,
		catalog: catalog,
		workers: workers,
		table:   table,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan struct{}, 1),
		sessions:   make(map[*Session]bool),
	}
}

// OnRegistryChanged is wired to registry.Registry.OnChanged; it schedules
// a functions_updated broadcast without blocking the registry.
func (g *Gateway) OnRegistryChanged() {
	select {
	case g.broadcast <- struct{}{}:
	default:
	}
}

// Run is the gateway's single event loop. It owns the sessions map
// exclusively and must run in its own goroutine for the lifetime of the
// broker.
func (g *Gateway) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			g.closeAll()
			return
		case s := <-g.register:
			g.mu.Lock()
			g.sessions[s] = true
			g.mu.Unlock()
			obslog.Tagw(obslog.EventClientJoin, "client connected", obslog.FieldSessionID, s.ID)

		case s := <-g.unregister:
			g.mu.Lock()
			_, ok := g.sessions[s]
			delete(g.sessions, s)
			g.mu.Unlock()
			if ok {
				s.close()
				g.table.CancelBySession(s.ID)
				obslog.Tagw(obslog.EventClientLeave, "client disconnected", obslog.FieldSessionID, s.ID)
			}

		case <-g.broadcast:
			frame := protocol.NewFunctionsUpdated(g.catalog.Catalog())
			g.mu.RLock()
			for s := range g.sessions {
				if s.subscribed {
					s.enqueue(frame)
				}
			}
			g.mu.RUnlock()
		}
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for s := range g.sessions {
		s.close()
		delete(g.sessions, s)
	}
}

// ServeHTTP upgrades the connection, sends the welcome frame, and starts
// the session's read/write pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.Warnw("client websocket upgrade failed", "error", err)
		return
	}

	s := newSession(g, conn)
	g.register <- s

	s.enqueue(protocol.NewWelcome(g.catalog.Catalog()))

	go s.writePump()
	s.readPump()
}

// routeMessage decodes one inbound frame and dispatches it by type.
func (g *Gateway) routeMessage(s *Session, raw []byte) {
	typ, err := protocol.PeekType(raw)
	if err != nil {
		obslog.Warnw("dropping malformed client frame", obslog.FieldSessionID, s.ID, "error", err)
		return
	}

	switch typ {
	case protocol.TypeCall:
		g.handleCall(s, raw)
	case protocol.TypeCancel:
		g.handleCancel(s, raw)
	default:
		obslog.Warnw("ignoring unknown frame type from client",
			obslog.FieldSessionID, s.ID, "type", typ)
	}
}

func (g *Gateway) handleCall(s *Session, raw []byte) {
	var req protocol.CallRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" || req.Namespace == "" || req.Function == "" {
		obslog.Warnw("rejecting malformed call frame", obslog.FieldSessionID, s.ID)
		return
	}

	if !s.limiter.Allow() {
		// The closed error-kind set has no dedicated rate-limit code;
		// invalid_message is the closest fit (see design notes).
		s.deliverError(req.ID, protocol.ErrInvalidMessage)
		return
	}

	if !g.catalog.Has(req.Namespace, req.Function) {
		s.enqueue(protocol.NewError(req.ID, protocol.ErrUnknownFunction))
		return
	}

	handle := g.workers.Active(req.Namespace)
	if handle == nil {
		s.enqueue(protocol.NewError(req.ID, protocol.ErrWorkerLost))
		return
	}

	brokerID := uuid.NewString()
	outcome, err := g.table.Register(brokerID, s.ID, handle.WorkerID, g.cfg.CallTimeout)
	if err != nil {
		s.enqueue(protocol.NewError(req.ID, protocol.ErrInvalidMessage))
		return
	}
	s.markBrokerID(req.ID, brokerID)

	obslog.Tagw(obslog.EventCallDispatch, "dispatching call",
		obslog.FieldCallID, brokerID, obslog.FieldSessionID, s.ID,
		obslog.FieldNamespace, req.Namespace, obslog.FieldFunction, req.Function)

	if err := handle.SendCall(brokerID, req.Function, req.Args); err != nil {
		g.table.Reject(brokerID, protocol.ErrWorkerLost)
	}

	go g.awaitOutcome(s, req.ID, outcome)
}

func (g *Gateway) awaitOutcome(s *Session, clientID string, outcome <-chan correlate.Outcome) {
	result := <-outcome
	if result.Kind == "" {
		s.deliverResult(clientID, result.Data)
		return
	}
	if result.Kind == protocol.ErrClientGone {
		// Session is already gone; nothing to deliver.
		return
	}
	s.deliverError(clientID, result.Kind)
}

func (g *Gateway) handleCancel(s *Session, raw []byte) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
		return
	}
	brokerID, ok := s.brokerIDFor(req.ID)
	if !ok {
		return
	}
	g.table.Reject(brokerID, protocol.ErrClientGone)
	s.clearInflight(req.ID)
}
