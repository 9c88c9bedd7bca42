// Package protocol defines the JSON frame shapes that cross every
// WebSocket edge of the broker: client-to-broker, broker-to-client, and
// broker-to-worker. All frames are JSON objects discriminated by a
// top-level "type" field. Decoding is two-pass: first peek the type,
// then unmarshal into the concrete shape for that type.
package protocol

import (
	"encoding/json"

	"github.com/jx-codes/lootbox/internal/brokerr"
)

// Frame type discriminators.
const (
	TypeCall             = "call"
	TypeCancel           = "cancel"
	TypeWelcome          = "welcome"
	TypeResult           = "result"
	TypeError            = "error"
	TypeFunctionsUpdated = "functions_updated"
	TypeIdentify         = "identify"
	TypeReady            = "ready"
	TypeShutdown         = "shutdown"
	TypeCrash            = "crash"
)

// ErrorKind is the closed set of string discriminators the broker is
// allowed to put on the wire in an error frame. ClientGone is internal
// bookkeeping only — it is never serialized.
type ErrorKind string

const (
	ErrUnknownFunction ErrorKind = "unknown_function"
	ErrInvalidMessage  ErrorKind = "invalid_message"
	ErrTimeout         ErrorKind = "timeout"
	ErrWorkerLost      ErrorKind = "worker_lost"
	ErrClientGone      ErrorKind = "client_gone"
	ErrShuttingDown    ErrorKind = "shutting_down"
	ErrFunctionError   ErrorKind = "function_error"
	ErrNamespaceBroken ErrorKind = "namespace_broken"
)

// FunctionDescriptor is one entry of a namespace's catalog as exposed to
// clients in welcome/functions_updated frames.
type FunctionDescriptor struct {
	Namespace string `json:"namespace"`
	Function  string `json:"function"`
}

// envelope is used only to sniff the "type" discriminator before
// unmarshaling into a concrete frame.
type envelope struct {
	Type string `json:"type"`
}

// PeekType returns the type discriminator of a raw frame without fully
// decoding it. Returns an error if the frame isn't a JSON object or has
// no type field.
func PeekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", brokerr.Wrap(err, "decoding frame envelope")
	}
	if env.Type == "" {
		return "", brokerr.New("frame missing type discriminator")
	}
	return env.Type, nil
}

// --- client -> broker ---

// CallRequest is sent by a script/UI client to invoke a namespaced
// function.
type CallRequest struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Namespace string          `json:"namespace"`
	Function  string          `json:"function"`
	Args      json.RawMessage `json:"args"`
}

// CancelRequest asks the broker to cancel a previously-submitted call.
// Clients are not required to send this; socket close is the canonical
// cancellation signal (see spec Open Questions).
type CancelRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// --- broker -> client ---

// Welcome is sent once, immediately after a client connects, carrying
// the catalog as of connection time.
type Welcome struct {
	Type      string                `json:"type"`
	Functions []FunctionDescriptor  `json:"functions"`
}

// Result carries a successful call's return value back to the client
// that submitted it, keyed by the client's own id.
type Result struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ErrorFrame reports a call failure, or a reload/broadcast of catalog
// changes is sent through FunctionsUpdated below instead.
type ErrorFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// FunctionsUpdated is broadcast to subscribed sessions whenever the
// catalog changes (namespace load, reload, drain, or broken).
type FunctionsUpdated struct {
	Type      string               `json:"type"`
	Functions []FunctionDescriptor `json:"functions"`
}

// --- broker <-> worker ---

// WorkerCall is the frame the broker writes to a worker's transport to
// dispatch one invocation.
type WorkerCall struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	FunctionName string          `json:"functionName"`
	Args         json.RawMessage `json:"args"`
}

// WorkerShutdown asks a worker to exit cleanly.
type WorkerShutdown struct {
	Type string `json:"type"`
}

// WorkerIdentify is the first frame a worker must send after connecting,
// naming the namespace it serves.
type WorkerIdentify struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

// WorkerReady is the second frame a worker must send, after which it may
// receive calls and send results.
type WorkerReady struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
}

// WorkerResult carries a successful invocation's return value.
type WorkerResult struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// WorkerError carries a failed invocation's error message (user-code
// failure, surfaced to the client as function_error).
type WorkerError struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// WorkerCrash is sent best-effort by a worker that is about to die
// unexpectedly; the broker does not rely on receiving it — transport
// close is the authoritative signal.
type WorkerCrash struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewWelcome(functions []FunctionDescriptor) Welcome {
	return Welcome{Type: TypeWelcome, Functions: functions}
}

func NewFunctionsUpdated(functions []FunctionDescriptor) FunctionsUpdated {
	return FunctionsUpdated{Type: TypeFunctionsUpdated, Functions: functions}
}

func NewResult(id string, data json.RawMessage) Result {
	return Result{Type: TypeResult, ID: id, Data: data}
}

func NewError(id string, kind ErrorKind) ErrorFrame {
	return ErrorFrame{Type: TypeError, ID: id, Error: string(kind)}
}

func NewWorkerCall(id, functionName string, args json.RawMessage) WorkerCall {
	return WorkerCall{Type: TypeCall, ID: id, FunctionName: functionName, Args: args}
}

func NewWorkerShutdown() WorkerShutdown {
	return WorkerShutdown{Type: TypeShutdown}
}
