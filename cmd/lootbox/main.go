package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jx-codes/lootbox/cmd/lootbox/commands"
	"github.com/jx-codes/lootbox/internal/config"
	"github.com/jx-codes/lootbox/internal/obslog"
)

var rootCmd = &cobra.Command{
	Use:   "lootbox",
	Short: "lootbox - sandboxed script execution runtime and RPC broker",
	Long: `lootbox runs untrusted scripts against a catalog of namespaced
functions, each backed by a long-lived worker subprocess the broker
spawns, health-checks, and restarts.

Available commands:
  serve      - Start the broker (client gateway, supervisor, registry, sandbox)
  namespaces - List the functions a running broker currently publishes
  types      - Print generated type definitions for a namespace
  version    - Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		bindPersistentFlags(cmd)
		if err := obslog.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Int("port", 0, "Client-facing port (overrides config)")
	rootCmd.PersistentFlags().Int("worker-port", 0, "Worker-facing port (overrides config)")
	rootCmd.PersistentFlags().String("tools-dir", "", "Tools directory to watch (overrides config)")
	rootCmd.PersistentFlags().Int("call-timeout", 0, "Per-call timeout in seconds (overrides config)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.NamespacesCmd)
	rootCmd.AddCommand(commands.TypesCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

// bindPersistentFlags wires the root flag set into config's shared
// viper instance, so every subcommand's config.Load() sees CLI
// overrides at the top of the precedence chain.
func bindPersistentFlags(cmd *cobra.Command) {
	v := config.GetViper()
	flags := cmd.Root().PersistentFlags()

	if port, _ := flags.GetInt("port"); port != 0 {
		v.Set("broker.port", port)
	}
	if workerPort, _ := flags.GetInt("worker-port"); workerPort != 0 {
		v.Set("broker.worker_port", workerPort)
	}
	if toolsDir, _ := flags.GetString("tools-dir"); toolsDir != "" {
		v.Set("tools_dir", toolsDir)
	}
	if callTimeout, _ := flags.GetInt("call-timeout"); callTimeout != 0 {
		v.Set("gateway.call_timeout_seconds", callTimeout)
	}
	if logJSON, _ := flags.GetBool("log-json"); logJSON {
		v.Set("logging.json", true)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
