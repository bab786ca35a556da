// Package bonding persists per-peer security material and maps peer
// addresses, including resolvable private ones, back to device ids.
//
// Each record lives in two storage slots: the main sub-record, whose presence
// is the authoritative "id is occupied" signal, and the extended sub-record
// holding the local identity the bond was made with. The extended slot may be
// absent (records written before it existed) and reads default it to zero.
package bonding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/storage"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

const (
	// DefaultCapacity is the number of paired-device slots
	DefaultCapacity = 8
	// MaxCapacity bounds the slot key ranges below
	MaxCapacity = 32

	mainKeyBase     storage.Key = 0x40
	extendedKeyBase storage.Key = 0x60
)

// Store is the paired-device store
type Store struct {
	engine   storage.Engine
	capacity int
	logger   *logrus.Logger

	mu    sync.Mutex
	local gap.Address
}

// NewStore returns a store with capacity slots on top of engine
func NewStore(engine storage.Engine, capacity int, logger *logrus.Logger) (*Store, error) {
	if engine == nil {
		return nil, status.Errorf(status.InvalidParameter, "nil storage engine")
	}
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, status.Errorf(status.InvalidParameter, "capacity %d outside 1..%d", capacity, MaxCapacity)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{engine: engine, capacity: capacity, logger: logger}, nil
}

// Capacity returns the number of slots
func (s *Store) Capacity() int {
	return s.capacity
}

// SetLocalIdentity records the local device address records are bound to
func (s *Store) SetLocalIdentity(addr gap.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = addr
}

// LocalIdentity returns the address set by SetLocalIdentity
func (s *Store) LocalIdentity() gap.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func mainKey(id gap.DeviceID) storage.Key {
	return mainKeyBase + storage.Key(id)
}

func extendedKey(id gap.DeviceID) storage.Key {
	return extendedKeyBase + storage.Key(id)
}

func (s *Store) inRange(id gap.DeviceID) bool {
	return int(id) < s.capacity
}

// Get restores the record stored under id
func (s *Store) Get(id gap.DeviceID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id gap.DeviceID) (Record, error) {
	if !s.inRange(id) {
		return Record{}, status.Errorf(status.InvalidParameter, "device id %d out of range", id)
	}
	if !s.engine.IsRestorable(mainKey(id)) {
		return Record{}, status.Errorf(status.InvalidParameter, "device id %d not paired", id)
	}

	var rec Record
	blob, err := s.engine.Restore(mainKey(id))
	if err == nil {
		err = rec.decodeMain(blob)
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{"id": id, "error": err}).Error("Failed to restore paired device")
		return Record{}, fmt.Errorf("%w: device id %d: %v", status.Fail, id, err)
	}

	if s.engine.IsRestorable(extendedKey(id)) {
		blob, err = s.engine.Restore(extendedKey(id))
		if err == nil {
			err = rec.decodeExtended(blob)
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{"id": id, "error": err}).Error("Failed to restore paired device extension")
			return Record{}, fmt.Errorf("%w: device id %d extension: %v", status.Fail, id, err)
		}
	}
	return rec, nil
}

// Set writes rec under id: extended sub-record first, main last. Both writes
// are attempted; a failure of either is reported as status.Fail and the
// record must be treated as not committed.
func (s *Store) Set(ctx context.Context, id gap.DeviceID, rec Record) error {
	if !s.inRange(id) {
		return status.Errorf(status.InvalidParameter, "device id %d out of range", id)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	extErr := s.engine.Store(extendedKey(id), rec.encodeExtended()).Wait(ctx)
	mainErr := s.engine.Store(mainKey(id), rec.encodeMain()).Wait(ctx)
	if err := errors.Join(extErr, mainErr); err != nil {
		s.logger.WithFields(logrus.Fields{
			"id":             id,
			"extended_error": extErr,
			"main_error":     mainErr,
		}).Error("Failed to store paired device")
		return fmt.Errorf("%w: device id %d: %v", status.Fail, id, err)
	}

	s.logger.WithFields(logrus.Fields{
		"id":   id,
		"peer": rec.Peer.String(),
	}).Debug("Stored paired device")
	return nil
}

// FreeID returns the lowest unoccupied id, or gap.DeviceID(Capacity()) when full
func (s *Store) FreeID() gap.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := 0; id < s.capacity; id++ {
		if !s.engine.IsRestorable(mainKey(gap.DeviceID(id))) {
			return gap.DeviceID(id)
		}
	}
	return gap.DeviceID(s.capacity)
}

// Full reports whether FreeID would return the one-past-end sentinel
func (s *Store) Full() bool {
	return int(s.FreeID()) >= s.capacity
}

// ChkDeviceID reports whether id is occupied, without reading it
func (s *Store) ChkDeviceID(id gap.DeviceID) bool {
	if !s.inRange(id) {
		return false
	}
	return s.engine.IsRestorable(mainKey(id))
}

// List returns the occupied ids in ascending order
func (s *Store) List() []gap.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]gap.DeviceID, 0, s.capacity)
	for id := 0; id < s.capacity; id++ {
		if s.engine.IsRestorable(mainKey(gap.DeviceID(id))) {
			ids = append(ids, gap.DeviceID(id))
		}
	}
	return ids
}

// ResolveID finds the record owning peer. Records bound to another local
// identity are skipped and the zero address never matches. Returns gap.UnknownDevice when nothing matches.
func (s *Store) ResolveID(peer gap.Address) gap.DeviceID {
	if peer.Type == gap.AddrNonResolvablePrivate || peer.IsZero() {
		return gap.UnknownDevice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.capacity; i++ {
		id := gap.DeviceID(i)
		if !s.engine.IsRestorable(mainKey(id)) {
			continue
		}
		rec, err := s.get(id)
		if err != nil {
			continue
		}
		if s.engine.IsRestorable(extendedKey(id)) && rec.Local != s.local {
			continue
		}

		if peer.Type == gap.AddrResolvablePrivate {
			if rec.HasPeerIRK() && ResolvePrivateAddress(rec.PeerIRK, peer) {
				return id
			}
			continue
		}
		if rec.Peer.Bytes == peer.Bytes {
			return id
		}
	}
	return gap.UnknownDevice
}

// Delete removes the main sub-record of id. The extended sub-record is left
// in place; Get tolerates it and the next Set overwrites it.
func (s *Store) Delete(id gap.DeviceID) error {
	if !s.inRange(id) {
		return status.Errorf(status.InvalidParameter, "device id %d out of range", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Delete(mainKey(id)); err != nil {
		s.logger.WithFields(logrus.Fields{"id": id, "error": err}).Error("Failed to delete paired device")
		return fmt.Errorf("%w: device id %d: %v", status.Fail, id, err)
	}
	s.logger.WithField("id", id).Debug("Deleted paired device")
	return nil
}

// DeleteAll removes every main sub-record, reporting all failures
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for i := 0; i < s.capacity; i++ {
		if err := s.engine.Delete(mainKey(gap.DeviceID(i))); err != nil {
			errs = append(errs, fmt.Errorf("device id %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.WithError(err).Error("Failed to delete all paired devices")
		return fmt.Errorf("%w: %v", status.Fail, err)
	}
	s.logger.Debug("Deleted all paired devices")
	return nil
}
