// Package broker wires every subsystem together into one running
// process: the correlation table, the worker supervisor, the namespace
// registry, the client gateway, the script sandbox, and the execution
// history store. No other package constructs more than one of these at
// a time; this is the only place that knows the full dependency graph.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jx-codes/lootbox/internal/config"
	"github.com/jx-codes/lootbox/internal/correlate"
	"github.com/jx-codes/lootbox/internal/gateway"
	"github.com/jx-codes/lootbox/internal/history"
	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/jx-codes/lootbox/internal/registry"
	"github.com/jx-codes/lootbox/internal/sandbox"
	"github.com/jx-codes/lootbox/internal/supervisor"
	"github.com/jx-codes/lootbox/version"
)

// Broker owns every long-lived component and the two HTTP listeners
// (client-facing and worker-facing) built on top of them.
type Broker struct {
	cfg *config.Config

	Table      *correlate.Table
	Supervisor *supervisor.Supervisor
	Registry   *registry.Registry
	Gateway    *gateway.Gateway
	Sandbox    *sandbox.Sandbox
	History    *history.Store

	clientServer *http.Server
	workerServer *http.Server

	gatewayDone chan struct{}
}

// New assembles the broker's dependency graph but starts nothing. Call
// Start to begin serving.
func New(cfg *config.Config) (*Broker, error) {
	table := correlate.New()

	supCfg := supervisor.Config{
		ReadyTimeout:            time.Duration(cfg.Supervisor.ReadyTimeoutSeconds) * time.Second,
		RestartBackoffBase:      time.Duration(cfg.Supervisor.RestartBackoffBaseMS) * time.Millisecond,
		RestartBackoffCap:       time.Duration(cfg.Supervisor.RestartBackoffCapMS) * time.Millisecond,
		RestartFailureThreshold: cfg.Supervisor.RestartFailureThreshold,
		DrainGrace:              time.Duration(cfg.Supervisor.DrainGraceSeconds) * time.Second,
		ShutdownGrace:           time.Duration(cfg.Supervisor.ShutdownGraceSeconds) * time.Second,
		BrokerWorkerURL:         fmt.Sprintf("ws://127.0.0.1:%d/worker", cfg.Broker.WorkerPort),
	}

	// reg and gw are forward-declared so the supervisor's
	// onCatalogChanged closure can reach them: the supervisor must exist
	// before the registry (the registry needs it as a Spawner), and the
	// registry must exist before the gateway, but the callback needs all
	// three. notifyChanged fires on every namespace transition, not just
	// "broken" — MarkBroken is only correct to call when the namespace
	// actually crossed the restart-failure threshold.
	var reg *registry.Registry
	var gw *gateway.Gateway
	var sup *supervisor.Supervisor
	onCatalogChanged := func(namespace string) {
		if sup.IsBroken(namespace) {
			reg.MarkBroken(namespace)
		}
		if gw != nil {
			gw.OnRegistryChanged()
		}
	}
	sup = supervisor.New(supCfg, table, onCatalogChanged)

	debounce := time.Duration(cfg.Supervisor.DebounceMilliseconds) * time.Millisecond
	reg = registry.New(cfg.ToolsDir, version.BrokerVersion, sup, debounce)
	reg.OnChanged(func() {
		if gw != nil {
			gw.OnRegistryChanged()
		}
	})

	gwCfg := gateway.Config{
		CallTimeout:   time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second,
		CallRateLimit: cfg.Gateway.RateLimitPerSecond,
		CallRateBurst: cfg.Gateway.RateLimitBurst,
		CheckOrigin:   gateway.AllowOrigins(cfg.Websocket.AllowedOrigins),
		PingInterval:  time.Duration(cfg.Websocket.PingIntervalSeconds) * time.Second,
		PongTimeout:   time.Duration(cfg.Websocket.PongTimeoutSeconds) * time.Second,
	}
	gw = gateway.New(gwCfg, reg, sup, table)

	rpc := newRPCAdapter(reg, sup, table, gwCfg.CallTimeout)
	sb, err := sandbox.New(rpc)
	if err != nil {
		return nil, fmt.Errorf("constructing sandbox runtime: %w", err)
	}

	db, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("opening execution history store: %w", err)
	}
	hist := history.NewStore(db)

	return &Broker{
		cfg:        cfg,
		Table:      table,
		Supervisor: sup,
		Registry:   reg,
		Gateway:    gw,
		Sandbox:    sb,
		History:    hist,
	}, nil
}

// Start scans the tools directory, begins watching it, starts the
// gateway's event loop, and launches both HTTP listeners in their own
// goroutines. It returns without waiting for either listener to accept;
// listener errors are logged, not returned, matching the teacher's fire-and-forget
// net/http.Server pattern for long-running servers.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.Registry.Start(ctx); err != nil {
		return fmt.Errorf("starting namespace registry: %w", err)
	}

	b.gatewayDone = make(chan struct{})
	go b.Gateway.Run(b.gatewayDone)

	b.clientServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.Broker.Port),
		Handler: b.httpRoutes(),
	}
	b.workerServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.Broker.WorkerPort),
		Handler: b.Supervisor.WorkerServer(),
	}

	go func() {
		if err := b.clientServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.Errorw("client listener stopped", "error", err)
		}
	}()
	go func() {
		if err := b.workerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.Errorw("worker listener stopped", "error", err)
		}
	}()

	return nil
}

// Shutdown drains every namespace, stops the registry watcher, closes
// both HTTP listeners, and shuts the execution history store and
// sandbox runtime down. It is safe to call once, after Start.
//
// CancelAll runs first so shutting_down wins the race against
// worker_lost/client_gone: once the gateway and workers start tearing
// down, pending calls would otherwise be reaped by those paths with a
// less specific kind, or never resolved at all if their session is
// already closed.
func (b *Broker) Shutdown(ctx context.Context) {
	b.Table.CancelAll(protocol.ErrShuttingDown)

	b.Registry.Stop()
	close(b.gatewayDone)

	if b.clientServer != nil {
		_ = b.clientServer.Shutdown(ctx)
	}
	if b.workerServer != nil {
		_ = b.workerServer.Shutdown(ctx)
	}

	b.Supervisor.Shutdown()

	if err := b.Sandbox.Close(); err != nil {
		obslog.Warnw("sandbox runtime close failed", "error", err)
	}
	if err := b.History.Close(); err != nil {
		obslog.Warnw("execution history store close failed", "error", err)
	}
}
