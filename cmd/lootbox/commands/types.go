package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jx-codes/lootbox/internal/config"
)

// TypesCmd prints the generated type definitions for a namespace, as
// served by a running broker. Generating the definitions themselves is
// the on-disk type-definition generator's job — an external
// collaborator this command merely fetches from.
var TypesCmd = &cobra.Command{
	Use:   "types <namespace>",
	Short: "Print generated type definitions for a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTypes,
}

type typesResponse struct {
	Namespace   string `json:"namespace"`
	Definitions string `json:"definitions"`
	Note        string `json:"note"`
}

func runTypes(cmd *cobra.Command, args []string) error {
	namespace := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/namespaces/%s/types", cfg.Broker.Port, namespace)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("contacting broker at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body typesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding type definitions: %w", err)
	}

	if body.Definitions == "" {
		fmt.Printf("No type definitions generated for %q yet (%s)\n", namespace, body.Note)
		return nil
	}
	fmt.Println(body.Definitions)
	return nil
}
