package devmgr

import (
	"context"

	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// GetPairedDevice returns the record stored under id
func (m *Manager) GetPairedDevice(id gap.DeviceID) (bonding.Record, error) {
	if err := m.ready(); err != nil {
		return bonding.Record{}, err
	}
	return m.bonds.Get(id)
}

// SetPairedDevice stores rec under id, typically FreePairedDeviceID()
func (m *Manager) SetPairedDevice(ctx context.Context, id gap.DeviceID, rec bonding.Record) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.bonds.Set(ctx, id, rec)
}

// DeletePairedDevice removes id; live connections bound to it become unknown
func (m *Manager) DeletePairedDevice(id gap.DeviceID) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.bonds.Delete(id); err != nil {
		return err
	}
	m.registry.ForgetDevice(id)
	return nil
}

// DeleteAllPairedDevices empties the store
func (m *Manager) DeleteAllPairedDevices() error {
	if err := m.ready(); err != nil {
		return err
	}
	ids := m.bonds.List()
	if err := m.bonds.DeleteAll(); err != nil {
		return err
	}
	for _, id := range ids {
		m.registry.ForgetDevice(id)
	}
	return nil
}

// PairedDeviceList returns the occupied ids in ascending order
func (m *Manager) PairedDeviceList() []gap.DeviceID {
	return m.bonds.List()
}

// FreePairedDeviceID returns the lowest free id, or MaxPairedDevices when full
func (m *Manager) FreePairedDeviceID() gap.DeviceID {
	return m.bonds.FreeID()
}

// ChkPairedDevice reports whether id is occupied
func (m *Manager) ChkPairedDevice(id gap.DeviceID) bool {
	return m.bonds.ChkDeviceID(id)
}

// ResolvePairedDevice maps a peer address to its id, or gap.UnknownDevice
func (m *Manager) ResolvePairedDevice(addr gap.Address) gap.DeviceID {
	return m.bonds.ResolveID(addr)
}

func (m *Manager) records(ids []gap.DeviceID) ([]bonding.Record, error) {
	recs := make([]bonding.Record, 0, len(ids))
	seen := make(map[gap.DeviceID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, status.Errorf(status.InvalidParameter, "device id %d listed twice", id)
		}
		seen[id] = true

		rec, err := m.bonds.Get(id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SetFilterAcceptList installs the identity addresses of ids in the
// controller filter-accept list. An empty ids clears the list.
func (m *Manager) SetFilterAcceptList(ids []gap.DeviceID) error {
	if err := m.ready(); err != nil {
		return err
	}
	recs, err := m.records(ids)
	if err != nil {
		return err
	}

	addrs := make([]gap.Address, 0, len(recs))
	for _, rec := range recs {
		addrs = append(addrs, rec.Peer)
	}
	return m.stack.SetFilterAcceptList(addrs)
}

// SetResolvingList installs the identity keys of ids in the controller
// resolving list. Records without a local IRK use the current local IRK.
// An empty ids clears the list.
func (m *Manager) SetResolvingList(ids []gap.DeviceID) error {
	if err := m.ready(); err != nil {
		return err
	}
	recs, err := m.records(ids)
	if err != nil {
		return err
	}

	_, localIRK := m.localIdentity()
	entries := make([]stack.ResolvingEntry, 0, len(recs))
	for _, rec := range recs {
		entry := stack.ResolvingEntry{Peer: rec.Peer, PeerIRK: rec.PeerIRK, LocalIRK: rec.LocalIRK}
		if entry.LocalIRK == [16]byte{} {
			entry.LocalIRK = localIRK
		}
		entries = append(entries, entry)
	}
	return m.stack.SetResolvingList(entries)
}
