package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 32
)

// Session is one inbound WebSocket connection from a script or UI
// client, per spec's client session data model.
type Session struct {
	ID string

	gateway     *Gateway
	conn        *websocket.Conn
	send        chan interface{}
	limiter     *rate.Limiter
	pingPeriod  time.Duration
	pongTimeout time.Duration

	subscribed bool // receives functions_updated broadcasts

	mu       sync.Mutex
	inflight map[string]string // client-supplied id -> broker-global id
	closed   bool
}

func newSession(gw *Gateway, conn *websocket.Conn) *Session {
	return &Session{
		ID:          uuid.NewString(),
		gateway:     gw,
		conn:        conn,
		send:        make(chan interface{}, sendBuffer),
		limiter:     rate.NewLimiter(gw.cfg.CallRateLimit, gw.cfg.CallRateBurst),
		pingPeriod:  gw.cfg.PingInterval,
		pongTimeout: gw.cfg.PongTimeout,
		subscribed:  true,
		inflight:    make(map[string]string),
	}
}

// writePump owns the connection's write side exclusively; every outbound
// frame, including pings, flows through the send channel or this
// goroutine directly.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns the connection's read side; it exits (and triggers
// session teardown) on any read error, including a clean client close.
func (s *Session) readPump() {
	defer func() {
		s.gateway.unregister <- s
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				obslog.TagWarnw(obslog.EventClientLeave, "client connection closed unexpectedly",
					obslog.FieldSessionID, s.ID, "error", err)
			}
			return
		}
		s.gateway.routeMessage(s, raw)
	}
}

// enqueue hands a frame to the write side. The closed check and the send
// happen under the same lock as close so a frame arriving as the
// session tears down either lands before close(s.send) or is dropped —
// never sent after. s.send is only ever closed while holding s.mu (see
// close), preserving the single-writer invariant on a closed channel.
func (s *Session) enqueue(frame interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- frame:
	default:
		obslog.Warnw("dropping frame for slow client", obslog.FieldSessionID, s.ID)
	}
}

func (s *Session) markBrokerID(clientID, brokerID string) {
	s.mu.Lock()
	s.inflight[clientID] = brokerID
	s.mu.Unlock()
}

func (s *Session) clearInflight(clientID string) {
	s.mu.Lock()
	delete(s.inflight, clientID)
	s.mu.Unlock()
}

func (s *Session) brokerIDFor(clientID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.inflight[clientID]
	return id, ok
}

func (s *Session) deliverResult(clientID string, data json.RawMessage) {
	s.clearInflight(clientID)
	s.enqueue(protocol.NewResult(clientID, data))
}

func (s *Session) deliverError(clientID string, kind protocol.ErrorKind) {
	s.clearInflight(clientID)
	s.enqueue(protocol.NewError(clientID, kind))
}

// close marks the session closed and closes send under the same lock
// enqueue checks and sends under, so the two can never race: either
// enqueue's send completes first, or it observes closed and never
// touches the channel again.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
