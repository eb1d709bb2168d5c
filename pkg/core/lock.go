package core

import (
	"context"
	"sync"
)

// KeyedMutex is the in-process Locker: one slot per stream.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]chan struct{})}
}

// Lock implements Locker.
func (k *KeyedMutex) Lock(ctx context.Context, streamID string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[streamID]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[streamID] = slot
	}
	k.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Locker = (*KeyedMutex)(nil)
