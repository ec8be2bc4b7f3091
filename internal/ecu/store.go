package ecu

import "sync"

// PropertyStore is a key/value store scoped to one request matcher or one
// ECU. Values are created on first read from a default supplier and live
// until the store is cleared.
type PropertyStore struct {
	mu     sync.Mutex
	values map[string]any
}

// NewPropertyStore returns an empty store.
func NewPropertyStore() *PropertyStore {
	return &PropertyStore{values: make(map[string]any)}
}

// GetOrInit returns the value stored under key, storing def() first if the
// key is absent.
func (s *PropertyStore) GetOrInit(key string, def func() any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key, def)
}

func (s *PropertyStore) getLocked(key string, def func() any) any {
	if v, ok := s.values[key]; ok {
		return v
	}
	var v any
	if def != nil {
		v = def()
	}
	s.values[key] = v
	return v
}

// Lookup returns the stored value without initializing it.
func (s *PropertyStore) Lookup(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores v under key.
func (s *PropertyStore) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// Update replaces the value under key with fn(current) atomically and
// returns the new value.
func (s *PropertyStore) Update(key string, def func() any, fn func(any) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := fn(s.getLocked(key, def))
	s.values[key] = v
	return v
}

// Clear drops every value; the next read of any key uses its default again.
func (s *PropertyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
}

// Len returns the number of initialized keys.
func (s *PropertyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Property is a typed view of one key in a PropertyStore.
type Property[T any] struct {
	store *PropertyStore
	key   string
	def   func() T
}

// NewProperty binds key in store to type T with the given default supplier.
func NewProperty[T any](store *PropertyStore, key string, def func() T) Property[T] {
	return Property[T]{store: store, key: key, def: def}
}

func (p Property[T]) init() any {
	if p.def == nil {
		var zero T
		return zero
	}
	return p.def()
}

func (p Property[T]) cast(v any) T {
	if t, ok := v.(T); ok {
		return t
	}
	var zero T
	return zero
}

// Get returns the current value, initializing it on first use.
func (p Property[T]) Get() T {
	return p.cast(p.store.GetOrInit(p.key, p.init))
}

// Set stores v.
func (p Property[T]) Set(v T) {
	p.store.Set(p.key, v)
}

// Update applies fn to the current value atomically and returns the result.
func (p Property[T]) Update(fn func(T) T) T {
	return p.cast(p.store.Update(p.key, p.init, func(v any) any {
		return fn(p.cast(v))
	}))
}
