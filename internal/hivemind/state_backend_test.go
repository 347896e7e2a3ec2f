package hivemind

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func sampleSnapshot() *persistedMappings {
	return &persistedMappings{Mappings: []Mapping{
		{
			DocumentID:     "doc_1",
			LocalPath:      "Notes/A.md",
			TeamID:         "t1",
			LastSyncedHash: hashString("a"),
			SharedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			SharedBy:       "alice",
		},
		{DocumentID: "doc_2", LocalPath: "Notes/B.md", TeamID: "t1", LastKnownPath: "Old/B.md"},
	}}
}

func TestJSONFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mappings.json")
	backend := NewJSONFileStateBackend(path)

	if snapshot, err := backend.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected empty load before first save, got %v, %v", snapshot, err)
	}
	if err := backend.Save(sampleSnapshot()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil || len(loaded.Mappings) != 2 {
		t.Fatalf("expected 2 mappings back, got %+v", loaded)
	}
	if loaded.Mappings[0] != sampleSnapshot().Mappings[0] {
		t.Fatalf("expected first mapping to survive unchanged, got %+v", loaded.Mappings[0])
	}
	if loaded.Mappings[1].LastKnownPath != "Old/B.md" {
		t.Fatalf("expected last known path persisted, got %+v", loaded.Mappings[1])
	}
}

func TestInMemoryBackendClonesOnLoad(t *testing.T) {
	backend := NewInMemoryStateBackend()
	if err := backend.Save(sampleSnapshot()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	first, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	first.Mappings[0].LocalPath = "mutated"

	second, err := backend.Load()
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if second.Mappings[0].LocalPath != "Notes/A.md" {
		t.Fatalf("expected the stored snapshot isolated from callers, got %+v", second.Mappings[0])
	}
}

func TestBuildStateBackendFromDSNSchemes(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("file:///tmp/hivemind/mappings.json")
	if err != nil {
		t.Fatalf("file scheme failed: %v", err)
	}
	file, ok := backend.(*JSONFileStateBackend)
	if !ok || file.Path != "/tmp/hivemind/mappings.json" {
		t.Fatalf("expected JSON file backend at /tmp/hivemind/mappings.json, got %#v", backend)
	}

	backend, err = BuildStateBackendFromDSN("/var/lib/hivemind/state.json")
	if err != nil {
		t.Fatalf("bare path failed: %v", err)
	}
	if file, ok := backend.(*JSONFileStateBackend); !ok || file.Path != "/var/lib/hivemind/state.json" {
		t.Fatalf("expected bare paths treated as file backends, got %#v", backend)
	}

	backend, err = BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory scheme failed: %v", err)
	}
	if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("expected in-memory backend, got %#v", backend)
	}

	if backend, err := BuildStateBackendFromDSN(""); backend != nil || err != nil {
		t.Fatalf("expected empty DSN to mean no backend, got %v, %v", backend, err)
	}
}

func TestBuildStateBackendFromDSNRejections(t *testing.T) {
	if _, err := BuildStateBackendFromDSN("mysql://root@localhost/hivemind"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("sqlite://state.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for sqlite, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("carrierpigeon://coop"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegisteredFactoryWinsOverBuiltins(t *testing.T) {
	marker := NewInMemoryStateBackend()
	RegisterStateBackendFactory("vaulttest", func(dsn string) (StateBackend, error) {
		if dsn != "vaulttest://cluster-a" {
			t.Fatalf("factory received unexpected DSN %q", dsn)
		}
		return marker, nil
	})

	backend, err := BuildStateBackendFromDSN("vaulttest://cluster-a")
	if err != nil {
		t.Fatalf("registered scheme failed: %v", err)
	}
	if backend != StateBackend(marker) {
		t.Fatalf("expected the factory's backend instance back")
	}
}
