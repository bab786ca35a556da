// Package storage provides the integrity-checked key/value slots the bonding
// store persists into.
//
// An Engine stores opaque blobs under small integer keys. Writes return a
// Pending completion owned by the caller that issued the write, so the code
// waiting for a store is always the code that started it.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Key identifies a storage slot
type Key uint16

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrCorrupt  = errors.New("storage: integrity check failed")
	ErrClosed   = errors.New("storage: engine closed")
)

// Engine is the persistent storage contract
type Engine interface {
	// Store writes data under key. The write is committed once the returned
	// Pending completes with a nil error.
	Store(key Key, data []byte) *Pending
	// Restore reads back the blob last stored under key.
	Restore(key Key) ([]byte, error)
	// IsRestorable reports whether key holds a blob, without reading it.
	IsRestorable(key Key) bool
	// Delete removes key. Deleting an absent key succeeds.
	Delete(key Key) error
}

// Pending is the completion of a single Store call
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Completed returns a Pending that has already finished with err
func Completed(err error) *Pending {
	p := newPending()
	p.complete(err)
	return p
}

func (p *Pending) complete(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the write has finished
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the write result; it is only meaningful after Done is closed
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the write finishes or ctx ends
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seal appends a CRC-32 trailer to data
func seal(data []byte) []byte {
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], crc32.ChecksumIEEE(data))
	return out
}

// unseal verifies and strips the trailer added by seal
func unseal(blob []byte) ([]byte, error) {
	if len(blob) < 4 {
		return nil, ErrCorrupt
	}
	data := blob[:len(blob)-4]
	if binary.LittleEndian.Uint32(blob[len(blob)-4:]) != crc32.ChecksumIEEE(data) {
		return nil, ErrCorrupt
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
