// Package sandbox is the broker's execution surface (spec component G):
// it runs a submitted script as a WASI module inside wazero, enforces a
// wall-clock timeout, captures stdout/stderr, and bridges the script's
// ambient rpc.<namespace>.<function> calls back into the broker's own
// client protocol so a script can call namespaced functions exactly as
// a script/UI client would.
//
// The host/guest memory protocol for the RPC bridge uses a
// (ptr<<32)|len packing convention for crossing the WASM boundary: the
// guest exports "sandbox_alloc" /
// "sandbox_free", and the host-provided "env.rpc_call" function reads
// its three string arguments from guest memory and returns a packed
// pointer/length pair (or 0 on failure).
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const DefaultTimeout = 10 * time.Second

// RPCDialer is how a running script reaches the rest of the broker. It is
// satisfied by an adapter that repeats the gateway's call path so a
// script's rpc.<namespace>.<function> call takes the same route a real
// client's call frame would (registry lookup, correlation table,
// dispatch to the namespace's active worker).
type RPCDialer interface {
	Call(ctx context.Context, namespace, function string, args json.RawMessage) (json.RawMessage, error)
}

// Execution reports how a run went, independent of the script's own
// result payload.
type Execution struct {
	DurationMS int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Timestamp  string `json:"timestamp"`
}

// ExecutionResult is the full response shape returned to whatever
// surface submitted the script.
type ExecutionResult struct {
	Result           json.RawMessage `json:"result,omitempty"`
	Stdout           string          `json:"stdout,omitempty"`
	Stderr           string          `json:"stderr,omitempty"`
	Execution        Execution       `json:"execution"`
	NamespacesCalled []string        `json:"namespaces_called,omitempty"`
}

// namespacesCalledKey is the context key Execute uses to hand an
// RPCDialer a place to report which namespaces a script actually
// touched during one run, for the execution history row.
type namespacesCalledKey struct{}

// RecordNamespaceCall notes that a script's RPCDialer is dispatching a
// call into namespace, so Execute can report it on the returned
// ExecutionResult. A no-op if ctx did not originate from Execute.
// Dialers should call this once per Call, regardless of whether the
// call ultimately succeeds.
func RecordNamespaceCall(ctx context.Context, namespace string) {
	if c, ok := ctx.Value(namespacesCalledKey{}).(*namespaceCollector); ok {
		c.add(namespace)
	}
}

type namespaceCollector struct {
	mu   sync.Mutex
	seen map[string]bool
	list []string
}

func newNamespaceCollector() *namespaceCollector {
	return &namespaceCollector{seen: make(map[string]bool)}
}

func (c *namespaceCollector) add(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[namespace] {
		return
	}
	c.seen[namespace] = true
	c.list = append(c.list, namespace)
}

func (c *namespaceCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.list))
	copy(out, c.list)
	return out
}

// Sandbox owns one wazero runtime shared across every execution. A
// compiled-module cache keyed by content hash avoids recompiling the
// same script body on repeated runs.
type Sandbox struct {
	runtime wazero.Runtime
	rpc     RPCDialer

	mu     sync.Mutex
	cached map[[32]byte]wazero.CompiledModule
}

func New(rpc RPCDialer) (*Sandbox, error) {
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, brokerr.Wrap(err, "instantiating WASI")
	}

	s := &Sandbox{runtime: r, rpc: rpc, cached: make(map[[32]byte]wazero.CompiledModule)}

	if _, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(s.rpcCallHostFunc).
		Export("rpc_call").
		Instantiate(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, brokerr.Wrap(err, "registering rpc_call host function")
	}

	return s, nil
}

func (s *Sandbox) Close() error {
	return s.runtime.Close(context.Background())
}

// Execute compiles (or reuses a cached compile of) wasmBytes, runs it as
// a WASI module with args piped to stdin, and returns its result once it
// exits or the timeout elapses, whichever comes first. A timeout or non-zero exit is reported as Execution.Success =
// false rather than as a Go error, matching script-execution semantics
// where a failing script is an ordinary outcome, not a broker fault.
func (s *Sandbox) Execute(ctx context.Context, wasmBytes []byte, args json.RawMessage, timeout time.Duration) (*ExecutionResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	compiled, err := s.compiled(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	collector := newNamespaceCollector()
	runCtx = context.WithValue(runCtx, namespacesCalledKey{}, collector)

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(args)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	start := time.Now()
	mod, runErr := s.runtime.InstantiateModule(runCtx, compiled, cfg)
	duration := time.Since(start)
	if mod != nil {
		_ = mod.Close(runCtx)
	}

	success := true
	if runErr != nil {
		success = false
		var exitErr *sys.ExitError
		switch {
		case runCtx.Err() == context.DeadlineExceeded:
			obslog.Warnw("sandbox execution timed out", obslog.FieldDurationMS, duration.Milliseconds())
		case asExitError(runErr, &exitErr):
			success = exitErr.ExitCode() == 0
		default:
			return nil, brokerr.Wrap(runErr, "sandbox execution failed")
		}
	}

	result := ExecutionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Execution: Execution{
			DurationMS: duration.Milliseconds(),
			Success:    success,
			Timestamp:  start.UTC().Format(time.RFC3339),
		},
		NamespacesCalled: collector.snapshot(),
	}
	if success && stdout.Len() > 0 {
		result.Result = json.RawMessage(bytes.TrimSpace(stdout.Bytes()))
	}
	return &result, nil
}

func asExitError(err error, target **sys.ExitError) bool {
	if ee, ok := err.(*sys.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (s *Sandbox) compiled(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
	digest := sha256.Sum256(wasmBytes)

	s.mu.Lock()
	if cm, ok := s.cached[digest]; ok {
		s.mu.Unlock()
		return cm, nil
	}
	s.mu.Unlock()

	cm, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, brokerr.Wrap(err, "compiling script module")
	}

	s.mu.Lock()
	s.cached[digest] = cm
	s.mu.Unlock()
	return cm, nil
}

// rpcCallHostFunc is exported to guests as env.rpc_call(nsPtr, nsLen,
// fnPtr, fnLen, argsPtr, argsLen) -> packed (ptr<<32)|len, or 0 on
// failure. The guest must export "sandbox_alloc" so the host can place
// the response in guest-owned memory.
func (s *Sandbox) rpcCallHostFunc(ctx context.Context, mod api.Module, nsPtr, nsLen, fnPtr, fnLen, argsPtr, argsLen uint32) uint64 {
	mem := mod.Memory()

	namespace, ok := readString(mem, nsPtr, nsLen)
	if !ok {
		return 0
	}
	function, ok := readString(mem, fnPtr, fnLen)
	if !ok {
		return 0
	}
	argsBytes, ok := mem.Read(argsPtr, argsLen)
	if !ok {
		return 0
	}

	data, err := s.rpc.Call(ctx, namespace, function, json.RawMessage(argsBytes))
	if err != nil {
		obslog.Warnw("sandboxed rpc call failed",
			obslog.FieldNamespace, namespace, obslog.FieldFunction, function, "error", err)
		return 0
	}

	allocFn := mod.ExportedFunction("sandbox_alloc")
	if allocFn == nil {
		obslog.Warnw("script is missing sandbox_alloc export, cannot return rpc result",
			obslog.FieldNamespace, namespace, obslog.FieldFunction, function)
		return 0
	}

	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 || results[0] == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mem.Write(ptr, data) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(data))
}

func readString(mem api.Memory, ptr, length uint32) (string, bool) {
	b, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}
