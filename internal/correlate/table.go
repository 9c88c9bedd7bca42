// Package correlate implements the broker's call correlation table: the
// single point where a call-id is mapped to a waiter, a deadline, and
// the session/worker that own it. It is the sole place timeouts are
// enforced, and the sole place that decides whether a late reply is
// still meaningful.
package correlate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
)

// Outcome is delivered exactly once per registered call, via resolve or
// reject. Kind is empty on success.
type Outcome struct {
	Data json.RawMessage
	Kind protocol.ErrorKind
}

// entry is a pending call's bookkeeping. The mutex protecting the table
// is never held while waiting on done or while writing to the network;
// it only guards map membership and the completed flag.
type entry struct {
	sessionID  string
	workerID   string
	deadline   *time.Timer
	done       chan Outcome
	completed  bool
}

// Table is the broker-wide correlation table. Zero value is not usable;
// construct with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{
		entries: make(map[string]*entry),
	}
}

// Register adds a new pending call with the given deadline. If the
// deadline fires before the call is resolved or rejected, the returned
// channel receives a timeout outcome. Returns an error if id is already
// registered — call-ids must be unique within a broker lifetime.
func (t *Table) Register(id, sessionID, workerID string, timeout time.Duration) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, brokerr.Newf("call id %q already registered", id)
	}

	e := &entry{
		sessionID: sessionID,
		workerID:  workerID,
		done:      make(chan Outcome, 1),
	}
	e.deadline = time.AfterFunc(timeout, func() {
		t.timeoutCall(id)
	})
	t.entries[id] = e
	return e.done, nil
}

func (t *Table) timeoutCall(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.completed {
		t.mu.Unlock()
		return
	}
	e.completed = true
	delete(t.entries, id)
	t.mu.Unlock()

	obslog.TagWarnw(obslog.EventCallTimeout, "call timed out", obslog.FieldCallID, id)
	e.done <- Outcome{Kind: protocol.ErrTimeout}
}

// Resolve completes a call successfully. Idempotent: a second call for
// the same id (e.g. a duplicate or late worker reply after a reject) is
// a no-op.
func (t *Table) Resolve(id string, data json.RawMessage) {
	e := t.complete(id)
	if e == nil {
		return
	}
	e.done <- Outcome{Data: data}
}

// Reject completes a call with an error kind. Idempotent.
func (t *Table) Reject(id string, kind protocol.ErrorKind) {
	e := t.complete(id)
	if e == nil {
		return
	}
	e.done <- Outcome{Kind: kind}
}

func (t *Table) complete(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.completed {
		return nil
	}
	e.completed = true
	e.deadline.Stop()
	delete(t.entries, id)
	return e
}

// CancelBySession rejects every pending call owned by a session with
// client_gone, e.g. on socket close.
func (t *Table) CancelBySession(sessionID string) {
	t.cancelWhere(func(e *entry) bool { return e.sessionID == sessionID }, protocol.ErrClientGone)
}

// CancelByWorker rejects every pending call targeting a worker, e.g. on
// transport loss, with the given kind (normally worker_lost).
func (t *Table) CancelByWorker(workerID string, kind protocol.ErrorKind) {
	t.cancelWhere(func(e *entry) bool { return e.workerID == workerID }, kind)
}

// CancelAll rejects every pending call, used on broker shutdown.
func (t *Table) CancelAll(kind protocol.ErrorKind) {
	t.cancelWhere(func(*entry) bool { return true }, kind)
}

func (t *Table) cancelWhere(match func(*entry) bool, kind protocol.ErrorKind) {
	t.mu.Lock()
	var matched []*entry
	for id, e := range t.entries {
		if !match(e) || e.completed {
			continue
		}
		e.completed = true
		e.deadline.Stop()
		delete(t.entries, id)
		matched = append(matched, e)
	}
	t.mu.Unlock()

	for _, e := range matched {
		e.done <- Outcome{Kind: kind}
	}
}

// Len reports the number of pending calls, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
