package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jx-codes/lootbox/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spawnCall struct {
	kind      string // "load", "reload", "drain"
	namespace string
}

type fakeSpawner struct {
	calls chan spawnCall
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{calls: make(chan spawnCall, 16)}
}

func (f *fakeSpawner) Load(_ context.Context, namespace, _ string) error {
	f.calls <- spawnCall{kind: "load", namespace: namespace}
	return nil
}

func (f *fakeSpawner) Reload(_ context.Context, namespace, _ string) error {
	f.calls <- spawnCall{kind: "reload", namespace: namespace}
	return nil
}

func (f *fakeSpawner) Drain(namespace string) {
	f.calls <- spawnCall{kind: "drain", namespace: namespace}
}

func (f *fakeSpawner) expect(t *testing.T, kind, namespace string) {
	t.Helper()
	select {
	case c := <-f.calls:
		assert.Equal(t, kind, c.kind)
		assert.Equal(t, namespace, c.namespace)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s(%s)", kind, namespace)
	}
}

func writeNamespace(t *testing.T, dir, filename, manifest, body string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	content := manifest + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestStartLoadsExistingNamespaces(t *testing.T) {
	dir := t.TempDir()
	writeNamespace(t, dir, "kv.txt",
		`// lootbox:namespace name="kv"`+"\n"+`// lootbox:functions set,get`, "body")

	spawner := newFakeSpawner()
	reg := New(dir, "0.1.0", spawner, 50*time.Millisecond)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	spawner.expect(t, "load", "kv")
	assert.ElementsMatch(t, reg.Catalog(), []protocol.FunctionDescriptor{
		{Namespace: "kv", Function: "set"},
		{Namespace: "kv", Function: "get"},
	})
}

func TestDuplicateStemIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeNamespace(t, dir, "kv.txt", `// lootbox:namespace name="kv"`, "a")
	writeNamespace(t, dir, "kv.bak", `// lootbox:namespace name="kv"`, "b")

	spawner := newFakeSpawner()
	reg := New(dir, "0.1.0", spawner, 50*time.Millisecond)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	spawner.expect(t, "load", "kv")
	select {
	case c := <-spawner.calls:
		t.Fatalf("expected only one load call, got a second: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestModifyTriggersReload(t *testing.T) {
	dir := t.TempDir()
	path := writeNamespace(t, dir, "kv.txt", `// lootbox:namespace name="kv"`, "v1")

	spawner := newFakeSpawner()
	reg := New(dir, "0.1.0", spawner, 50*time.Millisecond)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	spawner.expect(t, "load", "kv")

	require.NoError(t, os.WriteFile(path, []byte(`// lootbox:namespace name="kv"`+"\nv2"), 0o755))
	spawner.expect(t, "reload", "kv")
}

func TestRemoveTriggersDrain(t *testing.T) {
	dir := t.TempDir()
	path := writeNamespace(t, dir, "kv.txt", `// lootbox:namespace name="kv"`, "v1")

	spawner := newFakeSpawner()
	reg := New(dir, "0.1.0", spawner, 50*time.Millisecond)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	spawner.expect(t, "load", "kv")

	require.NoError(t, os.Remove(path))
	spawner.expect(t, "drain", "kv")
}

func TestUnchangedContentIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeNamespace(t, dir, "kv.txt", `// lootbox:namespace name="kv"`, "v1")

	spawner := newFakeSpawner()
	reg := New(dir, "0.1.0", spawner, 20*time.Millisecond)
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	spawner.expect(t, "load", "kv")

	// Rewrite identical bytes (e.g. a touch/resave) must not reload.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o755))

	select {
	case c := <-spawner.calls:
		t.Fatalf("expected no reload for unchanged content, got %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}
