package authclient

import (
	"context"
	"sync"
)

// MemoryStateStore keeps the state in process memory. Intended for tests and short-lived tools.
type MemoryStateStore struct {
	mutex sync.Mutex
	state State
	saves int
}

// NewMemoryStateStore constructs an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// NewMemoryStateStoreWith constructs an in-memory store seeded with state.
func NewMemoryStateStoreWith(state State) *MemoryStateStore {
	return &MemoryStateStore{state: state.clone()}
}

// Load returns a copy of the stored state.
func (store *MemoryStateStore) Load(ctx context.Context) (State, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state.clone(), nil
}

// Save replaces the stored state.
func (store *MemoryStateStore) Save(ctx context.Context, state State) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state = state.clone()
	store.saves++
	return nil
}

// Clear empties the store.
func (store *MemoryStateStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state = State{}
	return nil
}

// Saves returns how many times Save was called.
func (store *MemoryStateStore) Saves() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.saves
}
