package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change observed in the vault.
type EventOp int

const (
	OpCreate EventOp = iota
	OpModify
	OpDelete
	OpRename
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a vault change notification. Paths are vault-relative; OldPath
// is set only for OpRename.
type Event struct {
	Op      EventOp
	Path    string
	OldPath string
}

const defaultRenameWindow = 500 * time.Millisecond

// Watcher emits vault Events from fsnotify notifications. The underlying
// API reports a rename as a Rename for the old name followed by a Create
// for the new one; the watcher pairs the two within a short window and
// emits a single OpRename. A rename with no matching create inside the
// window degrades to OpDelete.
type Watcher struct {
	vault        *Vault
	fsw          *fsnotify.Watcher
	events       chan Event
	errors       chan error
	done         chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
	renameWindow time.Duration

	// pending renamed-away paths, owned by the event loop goroutine.
	pending []pendingRename
}

type pendingRename struct {
	path string
	at   time.Time
}

func NewWatcher(v *Vault) (*Watcher, error) {
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		vault:        v,
		fsw:          fsw,
		events:       make(chan Event, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		renameWindow: defaultRenameWindow,
	}, nil
}

// Start begins watching the vault root and every directory beneath it.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watchTree(w.vault.Root()); err != nil {
		return err
	}
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// Events and Errors channels are closed afterwards.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return nil
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.renameWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case <-ticker.C:
			for _, expired := range w.expirePending(time.Now()) {
				select {
				case w.events <- expired:
				case <-w.done:
					return
				}
			}

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			for _, converted := range w.convertEvent(event) {
				select {
				case w.events <- converted:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) []Event {
	rel, ok := w.vault.relPath(event.Name)
	if !ok || hidden(rel) {
		return nil
	}
	now := time.Now()
	flushed := w.expirePending(now)

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directory: watch it and anything already inside.
			_ = w.watchTree(event.Name)
			return flushed
		}
		if old, ok := w.takePending(rel); ok {
			return append(flushed, Event{Op: OpRename, Path: rel, OldPath: old})
		}
		return append(flushed, Event{Op: OpCreate, Path: rel})
	case event.Has(fsnotify.Write):
		return append(flushed, Event{Op: OpModify, Path: rel})
	case event.Has(fsnotify.Remove):
		return append(flushed, Event{Op: OpDelete, Path: rel})
	case event.Has(fsnotify.Rename):
		w.pending = append(w.pending, pendingRename{path: rel, at: now})
		return flushed
	default:
		return flushed
	}
}

// takePending picks the renamed-away path to pair with a create at rel:
// a pending entry with the same basename wins; otherwise a sole pending
// entry is assumed to be it.
func (w *Watcher) takePending(rel string) (string, bool) {
	base := filepath.Base(rel)
	for i, p := range w.pending {
		if filepath.Base(p.path) == base {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return p.path, true
		}
	}
	if len(w.pending) == 1 {
		old := w.pending[0].path
		w.pending = nil
		return old, true
	}
	return "", false
}

// expirePending turns renamed-away paths older than the window into
// deletes.
func (w *Watcher) expirePending(now time.Time) []Event {
	var expired []Event
	kept := w.pending[:0]
	for _, p := range w.pending {
		if now.Sub(p.at) >= w.renameWindow {
			expired = append(expired, Event{Op: OpDelete, Path: p.path})
			continue
		}
		kept = append(kept, p)
	}
	w.pending = kept
	return expired
}

func hidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
