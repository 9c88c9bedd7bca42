package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jx-codes/lootbox/internal/config"
)

// NamespacesCmd prints the catalog of a running broker by querying its
// HTTP surface — the same read layer the web UI uses.
var NamespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List the functions a running broker currently publishes",
	RunE:  runNamespaces,
}

type namespacesResponse struct {
	Functions []struct {
		Namespace string `json:"namespace"`
		Function  string `json:"function"`
	} `json:"functions"`
}

func runNamespaces(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/namespaces", cfg.Broker.Port)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("contacting broker at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body namespacesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding catalog: %w", err)
	}

	if len(body.Functions) == 0 {
		pterm.Info.Println("No functions currently published")
		return nil
	}

	tableData := pterm.TableData{{"Namespace", "Function"}}
	for _, fn := range body.Functions {
		tableData = append(tableData, []string{fn.Namespace, fn.Function})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
}
