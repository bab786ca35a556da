package devmgr

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/internal/events"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// OnConnected handles link establishment. Failed establishments and links
// beyond the slot capacity cause no state change and no event.
func (m *Manager) OnConnected(evt stack.ConnectedEvent) {
	if m.closed.Load() {
		return
	}
	log := m.logger.WithFields(logrus.Fields{"handle": evt.Handle, "peer": evt.Peer.String()})
	if evt.Status != status.Success {
		log.WithField("status", evt.Status.String()).Debug("Connection attempt failed")
		return
	}

	id := m.bonds.ResolveID(evt.Peer)
	if err := m.registry.Connect(evt.Handle, evt.Role, evt.Peer, id); err != nil {
		log.WithError(err).Warn("Connection not tracked")
		return
	}

	log.WithFields(logrus.Fields{"role": evt.Role.String(), "device_id": id}).Info("Connected")
	m.router.Dispatch(events.Event{Type: events.Connected, ConnHandle: evt.Handle, Params: evt.Params})
}

// OnDisconnected reports link loss, then frees the slot
func (m *Manager) OnDisconnected(evt stack.DisconnectedEvent) {
	if m.closed.Load() {
		return
	}
	if _, ok := m.registry.Lookup(evt.Handle); !ok {
		m.logger.WithField("handle", evt.Handle).Debug("Disconnect for untracked connection")
		return
	}

	m.router.Dispatch(events.Event{Type: events.Disconnected, ConnHandle: evt.Handle, Reason: evt.Reason})
	m.registry.Disconnect(evt.Handle)
	m.logger.WithFields(logrus.Fields{"handle": evt.Handle, "reason": evt.Reason}).Info("Disconnected")
}

// OnConnUpdateComplete handles the end of a link-layer parameter update
func (m *Manager) OnConnUpdateComplete(evt stack.ConnUpdateCompleteEvent) {
	if m.closed.Load() {
		return
	}
	m.arbitrator.HandleUpdateComplete(evt)
}

// OnRemoteConnParamRequest handles a link-layer parameter request from the peer
func (m *Manager) OnRemoteConnParamRequest(evt stack.RemoteParamRequestEvent) error {
	if m.closed.Load() {
		return nil
	}
	return m.arbitrator.HandleRemoteRequest(evt)
}

// OnSignalingParamRequest handles an L2CAP parameter update request
func (m *Manager) OnSignalingParamRequest(evt stack.SignalingRequestEvent) error {
	if m.closed.Load() {
		return nil
	}
	return m.arbitrator.HandleSignalingRequest(evt)
}

// OnSignalingParamResponse handles the answer to our L2CAP update request
func (m *Manager) OnSignalingParamResponse(evt stack.SignalingResponseEvent) {
	if m.closed.Load() {
		return
	}
	m.arbitrator.HandleSignalingResponse(evt)
}

// OnPairingStarted reports the start of a fresh pairing
func (m *Manager) OnPairingStarted(handle gap.ConnHandle) {
	if m.closed.Load() {
		return
	}
	m.router.Dispatch(events.Event{Type: events.SecurityStart, ConnHandle: handle, Procedure: events.ProcedurePairing})
}

// OnEncryptionStarted reports the start of re-encryption with stored keys
func (m *Manager) OnEncryptionStarted(handle gap.ConnHandle) {
	if m.closed.Load() {
		return
	}
	m.router.Dispatch(events.Event{Type: events.SecurityStart, ConnHandle: handle, Procedure: events.ProcedureEncryption})
}

// OnPairingComplete ends a pairing. A successful bonding pairing is stored
// (reusing the peer's existing id when it has one) before the security
// event is raised; a full store raises PairedDeviceFull instead of failing.
// The returned error reports a storage failure.
func (m *Manager) OnPairingComplete(ctx context.Context, evt stack.PairingCompleteEvent) error {
	if m.closed.Load() {
		return nil
	}
	if evt.Status != status.Success {
		m.logger.WithFields(logrus.Fields{"handle": evt.Handle, "reason": evt.Reason}).Warn("Pairing failed")
		m.router.Dispatch(events.Event{
			Type:       events.SecurityFail,
			ConnHandle: evt.Handle,
			Procedure:  events.ProcedurePairing,
			Reason:     evt.Reason,
		})
		return nil
	}

	var follow *events.Event
	var storeErr error
	if evt.Keys.Bonding {
		follow, storeErr = m.bond(ctx, evt.Handle, evt.Keys)
	}

	m.router.Dispatch(events.Event{Type: events.SecuritySuccess, ConnHandle: evt.Handle, Procedure: events.ProcedurePairing})
	if follow != nil {
		m.router.Dispatch(*follow)
	}
	return storeErr
}

// bond persists pairing keys and returns the store event to raise, if any
func (m *Manager) bond(ctx context.Context, handle gap.ConnHandle, keys stack.PairingKeys) (*events.Event, error) {
	// peers that distribute no identity address are bonded under the
	// address they connected with
	if keys.PeerIdentity.IsZero() {
		if slot, ok := m.registry.Lookup(handle); ok {
			keys.PeerIdentity = slot.Peer
		}
	}

	local, localIRK := m.localIdentity()
	rec, err := bonding.RecordFromKeys(keys, local, localIRK)
	if err != nil {
		return nil, err
	}

	id := m.registry.PeerID(handle)
	if id == gap.UnknownDevice || !m.bonds.ChkDeviceID(id) {
		id = m.bonds.ResolveID(keys.PeerIdentity)
	}
	if id == gap.UnknownDevice {
		id = m.bonds.FreeID()
		if int(id) >= m.bonds.Capacity() {
			m.logger.WithField("handle", handle).Warn("Paired device store full, bond not saved")
			return &events.Event{Type: events.PairedDeviceFull, ConnHandle: handle}, nil
		}
	}

	if err := m.bonds.Set(ctx, id, rec); err != nil {
		return nil, err
	}
	m.registry.SetDeviceID(handle, id)

	m.logger.WithFields(logrus.Fields{
		"handle":    handle,
		"device_id": id,
		"peer":      keys.PeerIdentity.String(),
	}).Info("Paired device stored")
	return &events.Event{Type: events.PairedDeviceUpdated, ConnHandle: handle}, nil
}

// OnEncryptionChanged ends a re-encryption procedure
func (m *Manager) OnEncryptionChanged(evt stack.EncryptionChangedEvent) {
	if m.closed.Load() {
		return
	}
	if evt.Status == status.Success && evt.Enabled {
		m.router.Dispatch(events.Event{Type: events.SecuritySuccess, ConnHandle: evt.Handle, Procedure: events.ProcedureEncryption})
		return
	}
	m.router.Dispatch(events.Event{
		Type:       events.SecurityFail,
		ConnHandle: evt.Handle,
		Procedure:  events.ProcedureEncryption,
		Reason:     evt.Reason,
	})
}

// OnLTKRequest answers the controller's request for a stored long-term key.
// Secure-connections keys are requested with zero EDIV and Rand.
func (m *Manager) OnLTKRequest(evt stack.LTKRequestEvent) error {
	if m.closed.Load() {
		return nil
	}
	log := m.logger.WithField("handle", evt.Handle)

	id := m.registry.PeerID(evt.Handle)
	if id == gap.UnknownDevice {
		log.Debug("No bond for key request")
		return m.stack.RejectLTK(evt.Handle)
	}
	rec, err := m.bonds.Get(id)
	if err != nil {
		log.WithError(err).Warn("Bond unreadable for key request")
		return m.stack.RejectLTK(evt.Handle)
	}

	match := rec.EDIV == evt.EDIV && rec.Rand == evt.Rand
	if rec.SecureConnections {
		match = evt.EDIV == 0 && evt.Rand == [8]byte{}
	}
	if !match {
		log.WithField("device_id", id).Warn("Key request does not match stored bond")
		return m.stack.RejectLTK(evt.Handle)
	}
	return m.stack.ReplyLTK(evt.Handle, rec.LTK)
}
