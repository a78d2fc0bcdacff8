// Package mvar implements the monitored-variable bus (§4.7): process-wide,
// thread-safe named cells that fan out changes to registered watchers, plus
// a blocking wait for callers that need to park until a cell reaches a
// target value (e.g. waiting for PSI acquisition to reach a confidence
// level before answering a protection-info read).
package mvar

import (
	"context"
	"sync"
)

// Watcher is notified with the cell's old and new value on every Set call.
type Watcher[T any] func(old, new T)

// Cell is a single monitored variable of type T.
type Cell[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	value    T
	watchers map[int]Watcher[T]
	nextID   int
}

// NewCell creates a standalone cell seeded with initial. Most callers should
// go through GetVariable instead, so the cell is reachable by name from
// anywhere in the process.
func NewCell[T any](initial T) *Cell[T] {
	c := &Cell[T]{value: initial, watchers: make(map[int]Watcher[T])}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Get returns the cell's current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores a new value, synchronously notifying every live watcher with
// the (old, new) pair before releasing the lock, then waking any WaitFor
// callers.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	old := c.value
	for _, w := range c.watchers {
		w(old, v)
	}
	c.value = v
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Watch registers fn to be called on every future Set. The returned func
// removes the watcher; callers that no longer care must call it themselves
// since Go has no weak-pointer equivalent to expire watchers automatically.
func (c *Cell[T]) Watch(fn Watcher[T]) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// WaitFor blocks until match(currentValue) is true or ctx is done,
// returning the value observed at wake time and a non-nil error only on
// context cancellation/deadline.
func (c *Cell[T]) WaitFor(ctx context.Context, match func(T) bool) (T, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-done:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !match(c.value) {
		if err := ctx.Err(); err != nil {
			return c.value, err
		}
		c.cond.Wait()
	}
	return c.value, nil
}

// IDs known to the core (§4.7), shared across packages so every caller
// addresses the same cell by the same string.
const (
	IDDrm           = "drm0"
	IDEcm           = "ecm0"
	IDPat           = "pat0"
	IDPmt           = "pmt0"
	IDFlush         = "flush0"
	IDCdm           = "cdm0"
	IDTrickPlay     = "trick_play0"
	IDBufferSrcLost = "bufferSrcLost0"
)

var (
	registryMu sync.Mutex
	registry   = map[string]any{}
)

// GetVariable returns the process-wide cell registered under id, creating
// it with T's zero value on first use. A lookup under the same id with a
// different T panics, which is the Go-native equivalent of the original's
// std::any-style type confusion throwing at runtime.
func GetVariable[T any](id string) *Cell[T] {
	registryMu.Lock()
	defer registryMu.Unlock()
	if v, ok := registry[id]; ok {
		return v.(*Cell[T])
	}
	var zero T
	c := NewCell(zero)
	registry[id] = c
	return c
}

// Reset removes every cell from the process-wide registry. Intended for
// test teardown only.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]any{}
}
