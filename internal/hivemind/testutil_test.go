package hivemind

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeTree is an in-memory FileTree for driving the core without a real
// vault directory.
type fakeTree struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes int
}

func newFakeTree() *fakeTree {
	return &fakeTree{files: map[string][]byte{}}
}

func (t *fakeTree) Read(path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (t *fakeTree) Write(path string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = append([]byte(nil), data...)
	t.writes++
	return nil
}

func (t *fakeTree) Remove(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
	return nil
}

func (t *fakeTree) Rename(oldPath, newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.files[oldPath]
	if !ok {
		return fs.ErrNotExist
	}
	delete(t.files, oldPath)
	t.files[newPath] = data
	return nil
}

func (t *fakeTree) List() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.files))
	for path := range t.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (t *fakeTree) Exists(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[path]
	return ok
}

func (t *fakeTree) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// fakeStore is an in-memory ContentStore that records writes and lets
// tests fire subscription callbacks by hand.
type fakeStore struct {
	mu            sync.Mutex
	objects       map[string][]byte
	writeCounts   map[string]int
	onChange      map[string]func(data []byte)
	failSubscribe map[string]bool
	failWrites    bool
	unsubscribed  map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:       map[string][]byte{},
		writeCounts:   map[string]int{},
		onChange:      map[string]func(data []byte){},
		failSubscribe: map[string]bool{},
		unsubscribed:  map[string]int{},
	}
}

func (s *fakeStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("key not found")
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeStore) Write(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("store unavailable")
	}
	s.objects[key] = append([]byte(nil), data...)
	s.writeCounts[key]++
	return nil
}

func (s *fakeStore) Subscribe(ctx context.Context, key string, onChange func(data []byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSubscribe[key] {
		return nil, errors.New("subscribe refused")
	}
	s.onChange[key] = onChange
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.onChange, key)
		s.unsubscribed[key]++
	}, nil
}

func (s *fakeStore) pushRemote(key string, data []byte) bool {
	s.mu.Lock()
	onChange, ok := s.onChange[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	onChange(data)
	return true
}

func (s *fakeStore) content(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.objects[key]...)
}

func (s *fakeStore) writeCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCounts[key]
}

func (s *fakeStore) unsubscribedCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed[key]
}

func (s *fakeStore) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onChange)
}

// failingBackend rejects every save.
type failingBackend struct{}

func (failingBackend) Load() (*persistedMappings, error) { return nil, nil }
func (failingBackend) Save(*persistedMappings) error     { return errors.New("disk full") }

func newTestStore(t *testing.T, files FileReader) *MappingStore {
	t.Helper()
	store, err := NewMappingStore(MappingStoreOptions{Files: files})
	if err != nil {
		t.Fatalf("new mapping store failed: %v", err)
	}
	return store
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

// waitFor polls condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}
