package storage

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// MemEngine keeps sealed blobs in a lock-free map. It backs tests and hosts
// without persistent storage.
type MemEngine struct {
	slots  *hashmap.Map[Key, []byte]
	closed atomic.Bool
}

// NewMemEngine returns an empty in-memory engine
func NewMemEngine() *MemEngine {
	return &MemEngine{slots: hashmap.New[Key, []byte]()}
}

func (m *MemEngine) Store(key Key, data []byte) *Pending {
	if m.closed.Load() {
		return Completed(ErrClosed)
	}
	m.slots.Set(key, seal(data))
	return Completed(nil)
}

func (m *MemEngine) Restore(key Key) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	blob, ok := m.slots.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return unseal(blob)
}

func (m *MemEngine) IsRestorable(key Key) bool {
	if m.closed.Load() {
		return false
	}
	_, ok := m.slots.Get(key)
	return ok
}

func (m *MemEngine) Delete(key Key) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.slots.Del(key)
	return nil
}

// Len returns the number of occupied slots
func (m *MemEngine) Len() int {
	return m.slots.Len()
}

// Corrupt flips a payload bit of key, for exercising integrity failures
func (m *MemEngine) Corrupt(key Key) bool {
	blob, ok := m.slots.Get(key)
	if !ok || len(blob) == 0 {
		return false
	}
	damaged := make([]byte, len(blob))
	copy(damaged, blob)
	damaged[0] ^= 0x01
	m.slots.Set(key, damaged)
	return true
}

// Close makes every further call fail with ErrClosed
func (m *MemEngine) Close() error {
	m.closed.Store(true)
	return nil
}
