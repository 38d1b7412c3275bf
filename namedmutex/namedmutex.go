// Package namedmutex provides mutual exclusion scoped by string keys.
//
// Only keys that are held or waited on occupy memory: the entry for a key is
// dropped as soon as its last holder releases it and nobody is queued.
package namedmutex

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int // holders plus waiters
	held bool
}

type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

func (r *Registry) ref(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) unref(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
}

// Acquire blocks until key is free and takes it.
func (r *Registry) Acquire(key string) {
	e := r.ref(key)
	e.sem <- struct{}{}
	r.mu.Lock()
	e.held = true
	r.mu.Unlock()
}

// AcquireContext is Acquire bounded by ctx. On cancellation the key is not taken.
func (r *Registry) AcquireContext(ctx context.Context, key string) error {
	e := r.ref(key)
	select {
	case e.sem <- struct{}{}:
		r.mu.Lock()
		e.held = true
		r.mu.Unlock()
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.unref(key, e)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Release gives key back. Releasing a key that is not held is a programming
// error and panics.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok || !e.held {
		r.mu.Unlock()
		panic("namedmutex: release of unheld key " + key)
	}
	e.held = false
	r.unref(key, e)
	r.mu.Unlock()
	<-e.sem
}

// WithLock runs fn while holding key.
func (r *Registry) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := r.AcquireContext(ctx, key); err != nil {
		return err
	}
	defer r.Release(key)
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
