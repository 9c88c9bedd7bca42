// Package supervisor spawns, health-checks, restarts, and shuts down one
// worker subprocess per namespace, per spec component D. It owns every
// worker handle exclusively; no other component may signal or kill a
// worker process.
package supervisor

import (
	"context"
	"encoding/json"
	"math"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jx-codes/lootbox/internal/brokerr"
	"github.com/jx-codes/lootbox/internal/correlate"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/jx-codes/lootbox/internal/wtransport"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSnapshot is the shape of a best-effort point-in-time sample of
// a worker subprocess's resource use. Nothing fills or publishes it:
// sampleResources only logs its samples, and functions_updated frames
// carry no resource data.
type ResourceSnapshot struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// namespaceState tracks one namespace's worker lifecycle: at most one
// active handle, optionally one draining handle during a reload.
type namespaceState struct {
	name       string
	sourcePath string

	mu             sync.Mutex
	active         *wtransport.Handle
	draining       *wtransport.Handle
	process        *exec.Cmd
	drainingProc   *exec.Cmd
	restartCount   int
	broken         bool
	cancelSpawning context.CancelFunc
}

// Supervisor implements wtransport.Dispatcher directly: it owns the
// correlation table and simply forwards worker replies into it, while
// intercepting WorkerLost to drive the restart policy.
type Supervisor struct {
	cfg    Config
	table  *correlate.Table
	server *WorkerServer

	mu         sync.Mutex
	namespaces map[string]*namespaceState

	onCatalogChanged func(namespace string)
	tokenSeq         atomic.Uint64
}

func New(cfg Config, table *correlate.Table, onCatalogChanged func(namespace string)) *Supervisor {
	s := &Supervisor{
		cfg:              cfg,
		table:            table,
		namespaces:       make(map[string]*namespaceState),
		onCatalogChanged: onCatalogChanged,
	}
	s.server = NewWorkerServer(s, cfg.ReadyTimeout)
	return s
}

// WorkerServer returns the HTTP handler workers dial into.
func (s *Supervisor) WorkerServer() *WorkerServer { return s.server }

// --- wtransport.Dispatcher ---

func (s *Supervisor) Resolve(callID string, data json.RawMessage) {
	s.table.Resolve(callID, data)
}

func (s *Supervisor) Reject(callID string, kind protocol.ErrorKind) {
	s.table.Reject(callID, kind)
}

func (s *Supervisor) WorkerLost(workerID, namespace string) {
	s.table.CancelByWorker(workerID, protocol.ErrWorkerLost)

	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	s.mu.Unlock()
	if !ok {
		return
	}

	ns.mu.Lock()
	wasActive := ns.active != nil && ns.active.WorkerID == workerID
	wasDraining := ns.draining != nil && ns.draining.WorkerID == workerID
	if wasActive {
		ns.active = nil
	}
	if wasDraining {
		ns.draining = nil
	}
	ns.mu.Unlock()

	if wasActive && !ns.broken {
		go s.restart(ns)
	}
}

// Active returns the namespace's current handle for dispatching new
// calls, or nil if none is live.
func (s *Supervisor) Active(namespace string) *wtransport.Handle {
	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.active
}

// IsBroken reports whether a namespace has exceeded its restart-failure
// threshold. The broker's onCatalogChanged callback consults this to
// decide whether to mark the namespace broken in the registry.
func (s *Supervisor) IsBroken(namespace string) bool {
	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.broken
}

// Load brings a namespace from nothing to active: spawn, wait for
// ready, publish. Called by the registry when a source file first
// appears.
func (s *Supervisor) Load(ctx context.Context, namespace, sourcePath string) error {
	ns := &namespaceState{name: namespace, sourcePath: sourcePath}
	s.mu.Lock()
	s.namespaces[namespace] = ns
	s.mu.Unlock()

	handle, cmd, err := s.spawnAndWait(ctx, namespace, sourcePath)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	ns.active = handle
	ns.process = cmd
	ns.mu.Unlock()

	go handle.Run()
	go s.sampleResources(ns)
	s.notifyChanged(namespace)
	return nil
}

// Reload replaces a namespace's worker after a content change: spawn a
// replacement, wait ready, atomically swap, mark the old draining, then
// drain it on a grace timer.
func (s *Supervisor) Reload(ctx context.Context, namespace, sourcePath string) error {
	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	s.mu.Unlock()
	if !ok {
		return s.Load(ctx, namespace, sourcePath)
	}

	newHandle, newCmd, err := s.spawnAndWait(ctx, namespace, sourcePath)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	old := ns.active
	oldProc := ns.process
	ns.active = newHandle
	ns.process = newCmd
	if old != nil {
		old.MarkDraining()
		ns.draining = old
		ns.drainingProc = oldProc
	}
	ns.mu.Unlock()

	go newHandle.Run()
	go s.sampleResources(ns)
	s.notifyChanged(namespace)

	if old != nil {
		go s.drainAfterGrace(ns, old, oldProc)
	}
	return nil
}

func (s *Supervisor) drainAfterGrace(ns *namespaceState, handle *wtransport.Handle, cmd *exec.Cmd) {
	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()
	<-timer.C

	ns.mu.Lock()
	stillDraining := ns.draining == handle
	if stillDraining {
		ns.draining = nil
		ns.drainingProc = nil
	}
	ns.mu.Unlock()

	if !stillDraining {
		return // already retired via WorkerLost
	}

	_ = handle.SendShutdown()
	_ = handle.Close()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Drain removes a namespace entirely: its source file disappeared.
func (s *Supervisor) Drain(namespace string) {
	s.mu.Lock()
	ns, ok := s.namespaces[namespace]
	delete(s.namespaces, namespace)
	s.mu.Unlock()
	if !ok {
		return
	}

	ns.mu.Lock()
	active, proc := ns.active, ns.process
	ns.active = nil
	ns.mu.Unlock()

	if active != nil {
		_ = active.SendShutdown()
		_ = active.Close()
	}
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
	s.notifyChanged(namespace)
}

// Shutdown sends shutdown to every handle, waits up to ShutdownGrace,
// then kills survivors.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	all := make([]*namespaceState, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		all = append(all, ns)
	}
	s.mu.Unlock()

	var handles []*wtransport.Handle
	var procs []*exec.Cmd
	for _, ns := range all {
		ns.mu.Lock()
		if ns.active != nil {
			handles = append(handles, ns.active)
			procs = append(procs, ns.process)
		}
		if ns.draining != nil {
			handles = append(handles, ns.draining)
			procs = append(procs, ns.drainingProc)
		}
		ns.mu.Unlock()
	}

	for _, h := range handles {
		_ = h.SendShutdown()
	}

	time.Sleep(s.cfg.ShutdownGrace)

	for i, h := range handles {
		_ = h.Close()
		if procs[i] != nil && procs[i].Process != nil {
			_ = procs[i].Process.Kill()
		}
	}
}

func (s *Supervisor) notifyChanged(namespace string) {
	if s.onCatalogChanged != nil {
		s.onCatalogChanged(namespace)
	}
}

// spawnAndWait allocates a worker id, spawns the namespace source file
// as a subprocess, and blocks until it has identified and reported
// ready, or the ready timeout elapses (in which case the process is
// killed and an error returned — the caller decides whether to retry).
func (s *Supervisor) spawnAndWait(_ context.Context, namespace, sourcePath string) (*wtransport.Handle, *exec.Cmd, error) {
	workerID := namespace // one worker per namespace; the id doubles as the namespace's identity token
	claimCh := s.server.claim(workerID)

	// The process outlives any single caller's context; only the ready
	// wait below is bounded. Lifetime is managed explicitly via Kill.
	cmd := exec.Command(sourcePath, s.cfg.BrokerWorkerURL, namespace)
	cmd.Stderr = &obslogWriter{namespace: namespace}
	if err := cmd.Start(); err != nil {
		s.server.unclaim(workerID)
		return nil, nil, brokerr.Wrapf(err, "spawning worker for namespace %q", namespace)
	}

	obslog.Tagw(obslog.EventWorkerSpawn, "worker spawned",
		obslog.FieldNamespace, namespace, obslog.FieldSourcePath, sourcePath)

	readyCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout)
	defer cancel()

	select {
	case handle := <-claimCh:
		if err := handle.WaitReady(readyCtx); err != nil {
			_ = cmd.Process.Kill()
			s.server.unclaim(workerID)
			return nil, nil, brokerr.Wrapf(err, "namespace %q worker never became ready", namespace)
		}
		return handle, cmd, nil
	case <-readyCtx.Done():
		s.server.unclaim(workerID)
		_ = cmd.Process.Kill()
		return nil, nil, brokerr.Wrapf(errClaimTimedOut, "namespace %q", namespace)
	}
}

// restart applies exponential backoff and the failure-rate threshold
// described in spec §4.D.3-4.
func (s *Supervisor) restart(ns *namespaceState) {
	ns.mu.Lock()
	ns.restartCount++
	count := ns.restartCount
	sourcePath := ns.sourcePath
	name := ns.name
	ns.mu.Unlock()

	if count > s.cfg.RestartFailureThreshold {
		ns.mu.Lock()
		ns.broken = true
		ns.mu.Unlock()
		obslog.TagErrorw(obslog.EventWorkerRestart, "namespace marked broken after repeated restart failures",
			obslog.FieldNamespace, name, obslog.FieldAttempt, count)
		s.notifyChanged(name)
		return
	}

	backoff := backoffDuration(s.cfg.RestartBackoffBase, s.cfg.RestartBackoffCap, count)
	obslog.Tagw(obslog.EventWorkerRestart, "restarting worker after backoff",
		obslog.FieldNamespace, name, obslog.FieldAttempt, count, obslog.FieldBackoffMS, backoff.Milliseconds())
	time.Sleep(backoff)

	handle, cmd, err := s.spawnAndWait(context.Background(), name, sourcePath)
	if err != nil {
		obslog.TagWarnw(obslog.EventWorkerRestart, "restart attempt failed",
			obslog.FieldNamespace, name, "error", err)
		go s.restart(ns)
		return
	}

	ns.mu.Lock()
	ns.active = handle
	ns.process = cmd
	ns.restartCount = 0
	ns.mu.Unlock()

	go handle.Run()
	go s.sampleResources(ns)
	s.notifyChanged(name)
}

// sampleResources periodically snapshots the active worker's RSS/CPU%
// via gopsutil and logs each sample at debug level. No resource ceiling
// is checked, and a worker is never killed for its resource use.
func (s *Supervisor) sampleResources(ns *namespaceState) {
	ns.mu.Lock()
	cmd := ns.process
	handle := ns.active
	ns.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ns.mu.Lock()
		stillCurrent := ns.active == handle
		ns.mu.Unlock()
		if !stillCurrent {
			return
		}

		memInfo, err := proc.MemoryInfo()
		if err != nil {
			return
		}
		cpuPct, _ := proc.CPUPercent()
		obslog.Debugw("worker resource snapshot",
			obslog.FieldNamespace, ns.name, obslog.FieldRSSBytes, memInfo.RSS, obslog.FieldCPUPercent, cpuPct)
	}
}

// backoffDuration computes the exponential backoff for the nth restart
// attempt (1-indexed), capped at max.
func backoffDuration(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		return max
	}
	return d
}

type obslogWriter struct{ namespace string }

func (w *obslogWriter) Write(p []byte) (int, error) {
	obslog.Debugw("worker stderr", obslog.FieldNamespace, w.namespace, "line", string(p))
	return len(p), nil
}
