package hci

import (
	"encoding/binary"

	blehci "github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/evt"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// Callbacks receives decoded controller traffic. *devmgr.Manager satisfies it.
type Callbacks interface {
	OnConnected(stack.ConnectedEvent)
	OnDisconnected(stack.DisconnectedEvent)
	OnConnUpdateComplete(stack.ConnUpdateCompleteEvent)
	OnRemoteConnParamRequest(stack.RemoteParamRequestEvent) error
	OnSignalingParamRequest(stack.SignalingRequestEvent) error
	OnSignalingParamResponse(stack.SignalingResponseEvent)
	OnEncryptionChanged(stack.EncryptionChangedEvent)
	OnLTKRequest(stack.LTKRequestEvent) error
}

// LE meta event code shared by every LE subevent
const leMetaEvent = evt.LEConnectionCompleteCode

// minimum parameter lengths, subevent code included for LE events
const (
	disconnectionCompleteLen      = 4
	encryptionChangeLen           = 4
	leConnectionCompleteLen       = 19
	leConnectionUpdateCompleteLen = 10
	leLongTermKeyRequestLen       = 13
	leRemoteParamRequestLen       = 11
	signalHeaderLen               = 4
)

// Attach routes decoded events to cb
func (a *Adapter) Attach(cb Callbacks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = cb
}

func (a *Adapter) target() Callbacks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callbacks
}

// HandleEvent decodes one HCI event packet (event code, parameter length,
// parameters). Events the device manager does not consume are ignored. The
// returned error is either a malformed packet or the callback's own error.
func (a *Adapter) HandleEvent(packet []byte) error {
	if len(packet) < 2 || len(packet)-2 < int(packet[1]) {
		return status.Errorf(status.InvalidParameter, "short HCI event packet (%d bytes)", len(packet))
	}
	code, params := packet[0], packet[2:2+int(packet[1])]

	cb := a.target()
	if cb == nil {
		return status.Errorf(status.CommandDisallowed, "no callbacks attached")
	}

	switch code {
	case evt.DisconnectionCompleteCode:
		if len(params) < disconnectionCompleteLen {
			return malformed("Disconnection Complete", params)
		}
		e := evt.DisconnectionComplete(params)
		if e.Status() != 0 {
			a.logger.WithFields(logrus.Fields{"handle": e.ConnectionHandle(), "status": e.Status()}).Debug("Disconnect attempt failed")
			return nil
		}
		cb.OnDisconnected(stack.DisconnectedEvent{Handle: gap.ConnHandle(e.ConnectionHandle()), Reason: e.Reason()})

	case evt.EncryptionChangeCode:
		if len(params) < encryptionChangeLen {
			return malformed("Encryption Change", params)
		}
		e := evt.EncryptionChange(params)
		cb.OnEncryptionChanged(stack.EncryptionChangedEvent{
			Handle:  gap.ConnHandle(e.ConnectionHandle()),
			Status:  status.FromHCI(e.Status()),
			Reason:  e.Status(),
			Enabled: e.EncryptionEnabled() != 0,
		})

	case leMetaEvent:
		return a.handleLEMeta(cb, params)

	default:
		a.logger.WithField("code", code).Trace("HCI event ignored")
	}
	return nil
}

func (a *Adapter) handleLEMeta(cb Callbacks, params []byte) error {
	if len(params) == 0 {
		return malformed("LE Meta", params)
	}

	switch params[0] {
	case evt.LEConnectionCompleteSubCode:
		if len(params) < leConnectionCompleteLen {
			return malformed("LE Connection Complete", params)
		}
		e := evt.LEConnectionComplete(params)
		role := gap.RoleCentral
		if e.Role() == 0x01 {
			role = gap.RolePeripheral
		}
		cb.OnConnected(stack.ConnectedEvent{
			Handle: gap.ConnHandle(e.ConnectionHandle()),
			Status: status.FromHCI(e.Status()),
			Role:   role,
			Peer:   peerAddress(e.PeerAddressType(), e.PeerAddress()),
			Params: gap.ConnParams{
				IntervalMin: e.ConnInterval(),
				IntervalMax: e.ConnInterval(),
				Latency:     e.ConnLatency(),
				Timeout:     e.SupervisionTimeout(),
			},
		})

	case evt.LEConnectionUpdateCompleteSubCode:
		if len(params) < leConnectionUpdateCompleteLen {
			return malformed("LE Connection Update Complete", params)
		}
		e := evt.LEConnectionUpdateComplete(params)
		cb.OnConnUpdateComplete(stack.ConnUpdateCompleteEvent{
			Handle: gap.ConnHandle(e.ConnectionHandle()),
			Status: status.FromHCI(e.Status()),
			Params: gap.ConnParams{
				IntervalMin: e.ConnInterval(),
				IntervalMax: e.ConnInterval(),
				Latency:     e.ConnLatency(),
				Timeout:     e.SupervisionTimeout(),
			},
		})

	case evt.LELongTermKeyRequestSubCode:
		if len(params) < leLongTermKeyRequestLen {
			return malformed("LE Long Term Key Request", params)
		}
		e := evt.LELongTermKeyRequest(params)
		req := stack.LTKRequestEvent{
			Handle: gap.ConnHandle(e.ConnectionHandle()),
			EDIV:   e.EncryptionDiversifier(),
		}
		binary.LittleEndian.PutUint64(req.Rand[:], e.RandomNumber())
		return cb.OnLTKRequest(req)

	case evt.LERemoteConnectionParameterRequestSubCode:
		if len(params) < leRemoteParamRequestLen {
			return malformed("LE Remote Connection Parameter Request", params)
		}
		e := evt.LERemoteConnectionParameterRequest(params)
		return cb.OnRemoteConnParamRequest(stack.RemoteParamRequestEvent{
			Handle: gap.ConnHandle(e.ConnectionHandle()),
			Params: gap.ConnParams{
				IntervalMin: e.IntervalMin(),
				IntervalMax: e.IntervalMax(),
				Latency:     e.Latency(),
				Timeout:     e.Timeout(),
			},
		})

	default:
		a.logger.WithField("subevent", params[0]).Trace("LE meta event ignored")
	}
	return nil
}

// HandleSignal decodes one LE signaling packet received on handle. Only the
// connection parameter update pair is consumed; a response whose identifier
// does not match our outstanding request is dropped.
func (a *Adapter) HandleSignal(handle gap.ConnHandle, packet []byte) error {
	if len(packet) < signalHeaderLen {
		return malformed("signaling", packet)
	}
	code, ident := packet[0], packet[1]
	n := int(binary.LittleEndian.Uint16(packet[2:]))
	if len(packet)-signalHeaderLen < n {
		return malformed("signaling", packet)
	}
	data := packet[signalHeaderLen : signalHeaderLen+n]

	cb := a.target()
	if cb == nil {
		return status.Errorf(status.CommandDisallowed, "no callbacks attached")
	}
	log := a.logger.WithFields(logrus.Fields{"handle": handle, "identifier": ident})

	switch code {
	case blehci.SignalConnectionParameterUpdateRequest:
		var req blehci.ConnectionParameterUpdateRequest
		if err := req.Unmarshal(data); err != nil {
			return malformed("Connection Parameter Update Request", data)
		}
		return cb.OnSignalingParamRequest(stack.SignalingRequestEvent{
			Handle:     handle,
			Identifier: ident,
			Params: gap.ConnParams{
				IntervalMin: req.IntervalMin,
				IntervalMax: req.IntervalMax,
				Latency:     req.SlaveLatency,
				Timeout:     req.TimeoutMultiplier,
			},
		})

	case blehci.SignalConnectionParameterUpdateResponse:
		var rsp blehci.ConnectionParameterUpdateResponse
		if err := rsp.Unmarshal(data); err != nil {
			return malformed("Connection Parameter Update Response", data)
		}

		a.mu.Lock()
		want, ok := a.pending[handle]
		if ok && want == ident {
			delete(a.pending, handle)
		}
		a.mu.Unlock()
		if !ok || want != ident {
			log.Warn("Unsolicited signaling response dropped")
			return nil
		}

		cb.OnSignalingParamResponse(stack.SignalingResponseEvent{Handle: handle, Result: stack.SignalingResult(rsp.Result)})

	default:
		log.WithField("code", code).Trace("Signaling packet ignored")
	}
	return nil
}

// peerAddress classifies a connection-complete peer address. Random
// addresses are told apart by their two most significant bits.
func peerAddress(typ uint8, b [6]byte) gap.Address {
	a := gap.Address{Bytes: b}
	switch typ {
	case 0x00, 0x02: // public, resolved public identity
		a.Type = gap.AddrPublic
	case 0x03: // resolved random identity
		a.Type = gap.AddrRandomStatic
	default:
		switch b[5] >> 6 {
		case 0b11:
			a.Type = gap.AddrRandomStatic
		case 0b01:
			a.Type = gap.AddrResolvablePrivate
		default:
			a.Type = gap.AddrNonResolvablePrivate
		}
	}
	return a
}

func malformed(what string, b []byte) error {
	return status.Errorf(status.InvalidParameter, "malformed %s (%d bytes)", what, len(b))
}
