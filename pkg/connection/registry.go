package connection

import (
	"sync"

	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

// DefaultCapacity is the default number of simultaneous links
const DefaultCapacity = 4

// State is the lifecycle state of a slot
type State uint8

const (
	StateIdle State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "idle"
}

// Slot tracks one live link
type Slot struct {
	Handle    gap.ConnHandle
	State     State
	Initiator bool // this side started the in-flight parameter update
	Role      gap.Role
	Peer      gap.Address
	DeviceID  gap.DeviceID
}

// Registry is a fixed-capacity arena of connection slots
type Registry struct {
	mu    sync.Mutex
	slots []Slot
}

// NewRegistry returns a registry with capacity slots, all idle
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{slots: make([]Slot, capacity)}
}

// Capacity returns the slot count
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// FreeSlot returns the index of the first idle slot, or -1 when all are in use
func (r *Registry) FreeSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeSlot()
}

func (r *Registry) freeSlot() int {
	for i := range r.slots {
		if r.slots[i].State == StateIdle {
			return i
		}
	}
	return -1
}

func (r *Registry) find(handle gap.ConnHandle) int {
	for i := range r.slots {
		if r.slots[i].State == StateConnected && r.slots[i].Handle == handle {
			return i
		}
	}
	return -1
}

// Connect claims a slot for handle. A handle that is already live gets its
// slot re-zeroed rather than a second slot.
func (r *Registry) Connect(handle gap.ConnHandle, role gap.Role, peer gap.Address, id gap.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 {
		i = r.freeSlot()
	}
	if i < 0 {
		return status.Errorf(status.NoResource, "no free connection slot for handle 0x%04x", handle)
	}

	r.slots[i] = Slot{
		Handle:   handle,
		State:    StateConnected,
		Role:     role,
		Peer:     peer,
		DeviceID: id,
	}
	return nil
}

// Disconnect zeroes the slot of handle and returns its last contents
func (r *Registry) Disconnect(handle gap.ConnHandle) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 {
		return Slot{}, false
	}
	last := r.slots[i]
	r.slots[i] = Slot{}
	return last, true
}

// Lookup returns a copy of the slot of a connected handle
func (r *Registry) Lookup(handle gap.ConnHandle) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 {
		return Slot{}, false
	}
	return r.slots[i], true
}

// SetInitiator marks handle as having a locally started update in flight
func (r *Registry) SetInitiator(handle gap.ConnHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 {
		return status.Errorf(status.InvalidParameter, "unknown connection handle 0x%04x", handle)
	}
	r.slots[i].Initiator = true
	return nil
}

// TakeInitiator clears the initiator flag and reports whether it was set.
// Exactly one caller observes true per SetInitiator.
func (r *Registry) TakeInitiator(handle gap.ConnHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 || !r.slots[i].Initiator {
		return false
	}
	r.slots[i].Initiator = false
	return true
}

// SetDeviceID binds a connected handle to a paired-device id
func (r *Registry) SetDeviceID(handle gap.ConnHandle, id gap.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 {
		return false
	}
	r.slots[i].DeviceID = id
	return true
}

// PeerID maps handle to its paired-device id, or gap.UnknownDevice
func (r *Registry) PeerID(handle gap.ConnHandle) gap.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.find(handle)
	if i < 0 {
		return gap.UnknownDevice
	}
	return r.slots[i].DeviceID
}

// ForgetDevice unbinds every connection mapped to id, used when the record is deleted
func (r *Registry) ForgetDevice(id gap.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].State == StateConnected && r.slots[i].DeviceID == id {
			r.slots[i].DeviceID = gap.UnknownDevice
		}
	}
}

// Connected returns copies of all live slots in slot order
func (r *Registry) Connected() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Slot, 0, len(r.slots))
	for _, s := range r.slots {
		if s.State == StateConnected {
			out = append(out, s)
		}
	}
	return out
}
