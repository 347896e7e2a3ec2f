package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, v *Vault) *Watcher {
	t.Helper()
	w, err := NewWatcher(v)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	w.renameWindow = 100 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

// nextMatching drains events until one satisfies match, failing the test
// if none arrives in time. Unrelated events are skipped; real filesystems
// produce extra notifications the assertions should not depend on.
func nextMatching(t *testing.T, w *Watcher, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-w.Events():
			if !ok {
				t.Fatalf("events channel closed while waiting")
			}
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestWatcherReportsCreate(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	w := startWatcher(t, v)

	if err := v.Write("fresh.md", []byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	event := nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Path == "fresh.md"
	})
	if event.Op != OpCreate {
		t.Fatalf("expected create, got %v", event)
	}
}

func TestWatcherReportsModify(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	target := filepath.Join(v.Root(), "doc.md")
	if err := os.WriteFile(target, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	w := startWatcher(t, v)

	f, err := os.OpenFile(target, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append failed: %v", err)
	}
	if _, err := f.WriteString("v2"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	f.Close()

	event := nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Path == "doc.md" && e.Op == OpModify
	})
	if event.OldPath != "" {
		t.Fatalf("modify should carry no old path, got %v", event)
	}
}

func TestWatcherReportsDelete(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(v.Root(), "doomed.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	w := startWatcher(t, v)

	if err := os.Remove(filepath.Join(v.Root(), "doomed.md")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Path == "doomed.md" && e.Op == OpDelete
	})
}

func TestWatcherPairsRenameEvents(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(v.Root(), "before.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	w := startWatcher(t, v)

	if err := os.Rename(filepath.Join(v.Root(), "before.md"), filepath.Join(v.Root(), "after.md")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	event := nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Op == OpRename
	})
	if event.Path != "after.md" || event.OldPath != "before.md" {
		t.Fatalf("expected before.md -> after.md, got %+v", event)
	}
}

func TestWatcherExpiresUnpairedRenameAsDelete(t *testing.T) {
	outside := t.TempDir()
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(v.Root(), "leaving.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	w := startWatcher(t, v)

	// Moved out of the vault entirely: the rename never gets its create.
	if err := os.Rename(filepath.Join(v.Root(), "leaving.md"), filepath.Join(outside, "leaving.md")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Path == "leaving.md" && e.Op == OpDelete
	})
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	w := startWatcher(t, v)

	if err := os.MkdirAll(filepath.Join(v.Root(), "Archive"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// Give the watcher a beat to pick up the new directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(v.Root(), "Archive", "deep.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Path == "Archive/deep.md" && e.Op == OpCreate
	})
}

func TestWatcherIgnoresHiddenPaths(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	w := startWatcher(t, v)

	if err := os.WriteFile(filepath.Join(v.Root(), ".state.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := v.Write("visible.md", []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	event := nextMatching(t, w, 3*time.Second, func(e Event) bool {
		return e.Path == "visible.md"
	})
	if event.Op != OpCreate {
		t.Fatalf("expected create for visible.md, got %v", event)
	}
	// Nothing for the dotfile should be queued ahead of it.
	select {
	case extra := <-w.Events():
		if extra.Path == ".state.json" {
			t.Fatalf("hidden path leaked: %+v", extra)
		}
	default:
	}
}

func TestWatcherStopClosesChannels(t *testing.T) {
	v, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	w, err := NewWatcher(v)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Fatalf("expected events channel closed")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}
