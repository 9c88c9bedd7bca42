package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jx-codes/lootbox/internal/broker"
	"github.com/jx-codes/lootbox/internal/config"
	"github.com/jx-codes/lootbox/internal/obslog"
)

// ServeCmd starts the lootbox broker: the namespace registry, worker
// supervisor, client gateway, sandbox runtime, and execution history
// store, all wired together and listening.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "run"},
	Short:   "Start the lootbox broker",
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := obslog.InitializeVerbose(cfg.Logging.JSON, verbosity); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	b, err := broker.New(cfg)
	if err != nil {
		return fmt.Errorf("assembling broker: %w", err)
	}

	printStartupBanner(verbosity, cfg.Broker.Port, cfg.Broker.WorkerPort, cfg.ToolsDir)

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

	shutdownDone := make(chan struct{})
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		b.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		pterm.Success.Println("Broker stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}
