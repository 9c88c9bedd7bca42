package commands

import (
	"fmt"

	"github.com/jx-codes/lootbox/internal/obslog"
	"github.com/jx-codes/lootbox/version"
)

// printStartupBanner prints the broker's startup summary.
func printStartupBanner(verbosity int, clientPort, workerPort int, toolsDir string) {
	cyan := "\033[36m"
	green := "\033[32m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s┌─ lootbox ───────────────────────────────────────────┐%s\n", cyan, bold, reset)
	fmt.Printf("%s│%s Version:     %s (commit %s)\n", cyan, reset, info.Version, info.Short())
	fmt.Printf("%s│%s Client port: %d\n", cyan, reset, clientPort)
	fmt.Printf("%s│%s Worker port: %d\n", cyan, reset, workerPort)
	fmt.Printf("%s│%s Tools dir:   %s\n", cyan, reset, toolsDir)
	fmt.Printf("%s│%s Verbosity:   %d\n", cyan, reset, verbosity)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", cyan, reset)

	fmt.Printf("\n%s%s✨ Drop namespace source files in the tools dir to publish functions%s\n", green, bold, reset)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	obslog.Infow("lootbox broker starting",
		obslog.FieldPort, clientPort, "worker_port", workerPort, obslog.FieldSourcePath, toolsDir)
}
