package contentstore

import (
	"context"
	"sync"
)

// MemStore is an in-process content store. It backs tests and local
// single-user operation; every write fans out synchronously to the key's
// subscribers.
type MemStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	subscribers map[string]map[int]func(data []byte)
	nextSubID   int
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects:     map[string][]byte{},
		subscribers: map[string]map[int]func(data []byte){},
	}
}

func (s *MemStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Write(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	var targets []func(data []byte)
	for _, onChange := range s.subscribers[key] {
		targets = append(targets, onChange)
	}
	payload := append([]byte(nil), data...)
	s.mu.Unlock()

	for _, onChange := range targets {
		onChange(payload)
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, key string, onChange func(data []byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[key] == nil {
		s.subscribers[key] = map[int]func(data []byte){}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[key][id] = onChange
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[key], id)
	}, nil
}

// SubscriberCount reports how many live subscriptions exist for key.
func (s *MemStore) SubscriberCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[key])
}
