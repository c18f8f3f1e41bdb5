package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"voidlink/security"
	"voidlink/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return newTestEngineWithStore(t, newMetadataStore(t))
}

func newTestEngineWithStore(t *testing.T, store MetadataStore) *Engine {
	t.Helper()

	dataDir := t.TempDir()
	cfg := Config{
		FilesDir:      filepath.Join(dataDir, "files"),
		QuarantineDir: filepath.Join(dataDir, "quarantine"),
		TempDir:       filepath.Join(dataDir, "temp"),
		Store:         store,
		Scanner:       &security.Scanner{},
	}
	for _, dir := range []string{cfg.FilesDir, cfg.QuarantineDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("create %q: %v", dir, err)
		}
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return engine
}

func newMetadataStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close metadata store: %v", err)
		}
	})
	return store
}

// tempPathOf peeks at the transfer's temp file location for assertions.
func tempPathOf(t *testing.T, e *Engine, transferID string) string {
	t.Helper()

	ent, ok := e.registry.get(transferID)
	if !ok {
		t.Fatalf("transfer %q not registered", transferID)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.state.store.Path()
}

func mustChunk(t *testing.T, e *Engine, id, sender string, index int, data []byte) Progress {
	t.Helper()

	progress, err := e.HandleChunk(id, sender, index, data, SumBytes(data))
	if err != nil {
		t.Fatalf("HandleChunk index %d failed: %v", index, err)
	}
	return progress
}
