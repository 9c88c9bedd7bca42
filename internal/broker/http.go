package broker

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jx-codes/lootbox/internal/history"
	"github.com/jx-codes/lootbox/internal/obslog"
)

// httpRoutes builds the UI-facing HTTP surface: a thin read layer over
// the registry and sandbox, per spec component E/G. It is deliberately
// minimal — the web UI, the CLI, and the on-disk type-definition
// generator are external collaborators this surface talks to, not
// things the broker implements.
func (b *Broker) httpRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", b.Gateway)
	mux.HandleFunc("GET /namespaces", b.handleListNamespaces)
	mux.HandleFunc("GET /namespaces/{namespace}/types", b.handleNamespaceTypes)
	mux.HandleFunc("POST /scripts", b.handleSubmitScript)
	mux.HandleFunc("GET /history", b.handleHistory)
	return mux
}

func (b *Broker) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"functions": b.Registry.Catalog(),
	})
}

// handleNamespaceTypes returns a minimal placeholder. Generating actual
// type definitions from a namespace's manifest is the on-disk
// type-definition generator's job, an external collaborator this broker
// does not implement.
func (b *Broker) handleNamespaceTypes(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace":   namespace,
		"definitions": "",
		"note":        "type definition generation is handled outside the broker",
	})
}

type submitScriptRequest struct {
	WASMBase64 string          `json:"wasm_base64"`
	Args       json.RawMessage `json:"args"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
}

func (b *Broker) handleSubmitScript(w http.ResponseWriter, r *http.Request) {
	var req submitScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(req.WASMBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "wasm_base64 is not valid base64"})
		return
	}

	timeout := time.Duration(b.cfg.Sandbox.TimeoutSeconds) * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	result, err := b.Sandbox.Execute(r.Context(), wasmBytes, req.Args, timeout)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	digest := sha256.Sum256(wasmBytes)
	rec := history.Record{
		ID:               uuid.NewString(),
		ScriptDigest:     hex.EncodeToString(digest[:]),
		NamespacesCalled: result.NamespacesCalled,
		Success:          result.Execution.Success,
		DurationMS:       result.Execution.DurationMS,
		StartedAt:        time.Now().UTC(),
	}
	if err := b.History.Record(r.Context(), rec); err != nil {
		obslog.Warnw("failed to record script execution", "error", err)
	}

	writeJSON(w, http.StatusOK, result)
}

func (b *Broker) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := b.History.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": records})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

