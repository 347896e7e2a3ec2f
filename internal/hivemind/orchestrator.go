package hivemind

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultQuietWindow = 500 * time.Millisecond

// FlushFunc pushes the coalesced content of a mapped file to the remote
// store. The orchestrator records the synced hash after a successful push.
type FlushFunc func(ctx context.Context, mapping Mapping, content []byte) error

type OrchestratorOptions struct {
	Mappings *MappingStore
	Files    FileReader
	Flush    FlushFunc
	// QuietWindow is the debounce window for local edits. Defaults to
	// 500ms.
	QuietWindow time.Duration
	Logger      Logger
}

// Orchestrator routes local file events for mapped paths. Edits are
// debounced per path and only the content present when the quiet window
// expires is pushed; remote-applied writes are shielded from re-pushing by
// a single-consume ignore flag per path.
type Orchestrator struct {
	mappings *MappingStore
	files    FileReader
	flush    FlushFunc
	window   time.Duration
	logger   Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	ignored map[string]struct{}
	closed  bool
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Mappings == nil || opts.Files == nil || opts.Flush == nil {
		return nil, ErrInvalidInput
	}
	window := opts.QuietWindow
	if window <= 0 {
		window = defaultQuietWindow
	}
	return &Orchestrator{
		mappings: opts.Mappings,
		files:    opts.Files,
		flush:    opts.Flush,
		window:   window,
		logger:   opts.Logger,
		timers:   map[string]*time.Timer{},
		ignored:  map[string]struct{}{},
	}, nil
}

// NotifyModified handles a local modify event for path. The first modify
// after MarkIgnored is treated as the echo of a remote-applied write and
// consumed without scheduling a push.
func (o *Orchestrator) NotifyModified(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, ok := o.ignored[path]; ok {
		delete(o.ignored, path)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if _, ok := o.mappings.FindByPath(path); !ok {
		return
	}
	o.scheduleFlush(path)
}

// NotifyRenamed moves the mapping for oldPath to newPath. A pending flush
// follows the rename: its timer is restarted against the new path, since
// the coalesced edit now lives there. The rename itself triggers no push.
func (o *Orchestrator) NotifyRenamed(oldPath, newPath string) {
	oldPath = strings.TrimSpace(oldPath)
	newPath = strings.TrimSpace(newPath)
	if oldPath == "" || newPath == "" || oldPath == newPath {
		return
	}
	mapping, ok := o.mappings.FindByPath(oldPath)
	if !ok {
		return
	}
	if err := o.mappings.UpdatePath(mapping.DocumentID, newPath); err != nil {
		o.logf("rename %s -> %s: update path failed: %v", oldPath, newPath, err)
		return
	}

	o.mu.Lock()
	pending := false
	if timer, ok := o.timers[oldPath]; ok {
		timer.Stop()
		delete(o.timers, oldPath)
		pending = true
	}
	if _, ok := o.ignored[oldPath]; ok {
		delete(o.ignored, oldPath)
		o.ignored[newPath] = struct{}{}
	}
	o.mu.Unlock()

	if pending {
		o.scheduleFlush(newPath)
	}
}

// NotifyDeleted handles a local delete event. The mapping is deliberately
// kept: the document may still be canonical remotely, and the recovery
// pass decides what becomes of it.
func (o *Orchestrator) NotifyDeleted(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	o.mu.Lock()
	if timer, ok := o.timers[path]; ok {
		timer.Stop()
		delete(o.timers, path)
	}
	delete(o.ignored, path)
	o.mu.Unlock()

	if mapping, ok := o.mappings.FindByPath(path); ok {
		o.logf("mapped file %s deleted locally; leaving mapping %s for reconciliation", path, mapping.DocumentID)
	}
}

// MarkIgnored flags path so that exactly one subsequent modify event is
// treated as self-inflicted. Callers set it immediately before applying a
// remote-origin write to the local file.
func (o *Orchestrator) MarkIgnored(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	o.mu.Lock()
	o.ignored[path] = struct{}{}
	o.mu.Unlock()
}

// Flush pushes any pending edit for path immediately, bypassing the quiet
// window.
func (o *Orchestrator) Flush(path string) {
	o.mu.Lock()
	timer, ok := o.timers[path]
	if ok {
		timer.Stop()
		delete(o.timers, path)
	}
	o.mu.Unlock()
	if ok {
		o.fire(path)
	}
}

// Close cancels all pending flush timers. Edits pending at close are
// dropped; the next reconciliation pass is the path to consistency.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for path, timer := range o.timers {
		timer.Stop()
		delete(o.timers, path)
	}
}

func (o *Orchestrator) scheduleFlush(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if timer, ok := o.timers[path]; ok {
		timer.Stop()
	}
	o.timers[path] = time.AfterFunc(o.window, func() {
		o.mu.Lock()
		if _, ok := o.timers[path]; !ok {
			o.mu.Unlock()
			return
		}
		delete(o.timers, path)
		o.mu.Unlock()
		o.fire(path)
	})
}

func (o *Orchestrator) fire(path string) {
	mapping, ok := o.mappings.FindByPath(path)
	if !ok {
		return
	}
	content, err := o.files.Read(path)
	if err != nil {
		o.logf("flush %s: read failed, edit dropped: %v", path, err)
		return
	}
	if err := o.flush(context.Background(), mapping, content); err != nil {
		o.logf("flush %s: push failed, edit dropped: %v", path, err)
		return
	}
	if err := o.mappings.UpdateHash(mapping.DocumentID, hashBytes(content)); err != nil {
		o.logf("flush %s: hash update failed: %v", path, err)
	}
}

func (o *Orchestrator) pendingFlush(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.timers[path]
	return ok
}

func (o *Orchestrator) isIgnored(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ignored[path]
	return ok
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
