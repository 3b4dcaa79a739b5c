package handler

import (
	"fmt"
	"sync"
)

// Kind names a handler strategy.
type Kind string

const (
	KindCollection  Kind = "collection"
	KindPartitioned Kind = "partitioned"
)

// Registry maps handler kinds to constructors so callers can pick a
// strategy by name.
type Registry[T any] struct {
	mu           sync.RWMutex
	constructors map[Kind]Constructor[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{constructors: make(map[Kind]Constructor[T])}
}

// StandardRegistry registers the collection and partitioned handlers.
func StandardRegistry[T any]() *Registry[T] {
	r := NewRegistry[T]()
	r.Register(KindCollection, CollectionConstructor[T]())
	r.Register(KindPartitioned, PartitioningConstructor[T]())
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry[T]) Register(kind Kind, c Constructor[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[kind] = c
}

// Lookup returns the constructor for kind.
func (r *Registry[T]) Lookup(kind Kind) (Constructor[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return c, nil
}

// Kinds lists the registered kinds.
func (r *Registry[T]) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	return kinds
}
