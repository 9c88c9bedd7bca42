package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/correlate"
	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/jx-codes/lootbox/internal/sandbox"
	"github.com/jx-codes/lootbox/internal/wtransport"
)

// catalogLookup is the subset of the registry the sandbox RPC adapter
// depends on.
type catalogLookup interface {
	Has(namespace, function string) bool
}

// workerLookup is the subset of the supervisor the sandbox RPC adapter
// depends on.
type workerLookup interface {
	Active(namespace string) *wtransport.Handle
}

// rpcAdapter lets a running script reach the rest of the broker exactly
// as a real client's call frame would: registry lookup, correlation
// table registration, dispatch to the namespace's active worker, block
// for the outcome. It has no session of its own, so a script's in-flight
// calls are never cancelled by CancelBySession — only by the surrounding
// sandbox.Execute deadline.
type rpcAdapter struct {
	catalog     catalogLookup
	workers     workerLookup
	table       *correlate.Table
	callTimeout time.Duration
}

func newRPCAdapter(catalog catalogLookup, workers workerLookup, table *correlate.Table, callTimeout time.Duration) *rpcAdapter {
	return &rpcAdapter{catalog: catalog, workers: workers, table: table, callTimeout: callTimeout}
}

// Call implements sandbox.RPCDialer.
func (a *rpcAdapter) Call(ctx context.Context, namespace, function string, args json.RawMessage) (json.RawMessage, error) {
	sandbox.RecordNamespaceCall(ctx, namespace)

	if !a.catalog.Has(namespace, function) {
		return nil, brokerr.Newf("unknown function %s.%s", namespace, function)
	}
	handle := a.workers.Active(namespace)
	if handle == nil {
		return nil, brokerr.Newf("no active worker for namespace %s", namespace)
	}

	callID := uuid.NewString()
	sessionID := "sandbox:" + callID
	outcome, err := a.table.Register(callID, sessionID, handle.WorkerID, a.callTimeout)
	if err != nil {
		return nil, brokerr.Wrap(err, "registering sandbox call")
	}
	if err := handle.SendCall(callID, function, args); err != nil {
		a.table.Reject(callID, protocol.ErrWorkerLost)
	}

	select {
	case o := <-outcome:
		if o.Kind != "" {
			return nil, brokerr.Newf("%s.%s: %s", namespace, function, o.Kind)
		}
		return o.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
