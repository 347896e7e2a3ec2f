package hivemind

import "sync"

// subscriptionRegistry owns the documentId -> unsubscribe handles, one per
// mapping. Handles never outlive their mapping: callers unsubscribe before
// removing the record.
type subscriptionRegistry struct {
	mu     sync.Mutex
	unsubs map[string]func()
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{unsubs: map[string]func(){}}
}

// add records the handle for documentID, tearing down any previous
// subscription for the same identifier first.
func (r *subscriptionRegistry) add(documentID string, unsubscribe func()) {
	r.mu.Lock()
	previous := r.unsubs[documentID]
	r.unsubs[documentID] = unsubscribe
	r.mu.Unlock()
	if previous != nil {
		previous()
	}
}

// remove tears down the subscription for documentID, if any.
func (r *subscriptionRegistry) remove(documentID string) {
	r.mu.Lock()
	unsubscribe := r.unsubs[documentID]
	delete(r.unsubs, documentID)
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// clear tears down every subscription.
func (r *subscriptionRegistry) clear() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = map[string]func(){}
	r.mu.Unlock()
	for _, unsubscribe := range unsubs {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
}

func (r *subscriptionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsubs)
}
