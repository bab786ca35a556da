// Package hci drives a Bluetooth controller over the Host Controller
// Interface. Adapter implements stack.Stack by encoding every request as an
// HCI command (or an LE signaling packet) with go-ble's command set, and
// turns controller events into the device manager's stack callbacks.
package hci

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	blehci "github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// Transport carries encoded traffic to the controller.
//
// SendCommand writes one HCI command and returns the status byte of its
// Command Complete or Command Status event. SendSignal writes one LE
// signaling packet on the signaling channel of handle.
type Transport interface {
	SendCommand(opcode int, params []byte) (uint8, error)
	SendSignal(handle gap.ConnHandle, packet []byte) error
}

// command is the shape of go-ble's cmd types
type command interface {
	fmt.Stringer
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// Adapter is the HCI-backed protocol stack
type Adapter struct {
	transport Transport
	logger    *logrus.Logger

	mu        sync.Mutex
	callbacks Callbacks
	nextIdent uint8
	pending   map[gap.ConnHandle]uint8 // outstanding signaling request identifiers
}

var _ stack.Stack = (*Adapter)(nil)

// NewAdapter creates an adapter writing to transport
func NewAdapter(transport Transport, logger *logrus.Logger) (*Adapter, error) {
	if transport == nil {
		return nil, status.Errorf(status.InvalidParameter, "transport is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		transport: transport,
		logger:    logger,
		pending:   make(map[gap.ConnHandle]uint8),
	}, nil
}

func (a *Adapter) send(c command) error {
	params := make([]byte, c.Len())
	if err := c.Marshal(params); err != nil {
		return fmt.Errorf("%w: encode %s: %v", status.InvalidParameter, c, err)
	}

	st, err := a.transport.SendCommand(c.OpCode(), params)
	if err != nil {
		a.logger.WithError(err).WithField("command", c.String()).Error("HCI command not sent")
		return fmt.Errorf("%w: %s: %v", status.Fail, c, err)
	}
	if code := status.FromHCI(st); code != status.Success {
		a.logger.WithFields(logrus.Fields{"command": c.String(), "status": fmt.Sprintf("0x%02x", st)}).Debug("HCI command refused")
		return status.Errorf(code, "%s", c)
	}
	return nil
}

// UpdateConnection issues LE Connection Update
func (a *Adapter) UpdateConnection(handle gap.ConnHandle, p gap.ConnParams) error {
	return a.send(&cmd.LEConnectionUpdate{
		ConnectionHandle:   uint16(handle),
		ConnIntervalMin:    p.IntervalMin,
		ConnIntervalMax:    p.IntervalMax,
		ConnLatency:        p.Latency,
		SupervisionTimeout: p.Timeout,
	})
}

// ReplyRemoteParams accepts a remote connection parameter request
func (a *Adapter) ReplyRemoteParams(handle gap.ConnHandle, p gap.ConnParams) error {
	return a.send(&cmd.LERemoteConnectionParameterRequestReply{
		ConnectionHandle: uint16(handle),
		IntervalMin:      p.IntervalMin,
		IntervalMax:      p.IntervalMax,
		Latency:          p.Latency,
		Timeout:          p.Timeout,
	})
}

// RejectRemoteParams refuses a remote connection parameter request
func (a *Adapter) RejectRemoteParams(handle gap.ConnHandle, reason uint8) error {
	return a.send(&cmd.LERemoteConnectionParameterRequestNegativeReply{
		ConnectionHandle: uint16(handle),
		Reason:           reason,
	})
}

// ReplyLTK hands the bonded key to the controller
func (a *Adapter) ReplyLTK(handle gap.ConnHandle, ltk [16]byte) error {
	return a.send(&cmd.LELongTermKeyRequestReply{ConnectionHandle: uint16(handle), LongTermKey: ltk})
}

// RejectLTK tells the controller no key exists
func (a *Adapter) RejectLTK(handle gap.ConnHandle) error {
	return a.send(&cmd.LELongTermKeyRequestNegativeReply{ConnectionHandle: uint16(handle)})
}

// SetFilterAcceptList replaces the controller's filter-accept list
func (a *Adapter) SetFilterAcceptList(addrs []gap.Address) error {
	if err := a.send(&cmd.LEClearWhiteList{}); err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := a.send(&cmd.LEAddDeviceToWhiteList{AddressType: listAddressType(addr), Address: addr.Bytes}); err != nil {
			return err
		}
	}
	return nil
}

// SetResolvingList replaces the controller's resolving list
func (a *Adapter) SetResolvingList(entries []stack.ResolvingEntry) error {
	if err := a.send(&leClearResolvingList{}); err != nil {
		return err
	}
	for _, e := range entries {
		err := a.send(&leAddDeviceToResolvingList{
			PeerIdentityAddressType: listAddressType(e.Peer),
			PeerIdentityAddress:     e.Peer.Bytes,
			PeerIRK:                 e.PeerIRK,
			LocalIRK:                e.LocalIRK,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RequestParamUpdate sends an L2CAP Connection Parameter Update Request
func (a *Adapter) RequestParamUpdate(handle gap.ConnHandle, p gap.ConnParams) error {
	req := &blehci.ConnectionParameterUpdateRequest{
		IntervalMin:       p.IntervalMin,
		IntervalMax:       p.IntervalMax,
		SlaveLatency:      p.Latency,
		TimeoutMultiplier: p.Timeout,
	}
	payload, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode signaling request: %v", status.InvalidParameter, err)
	}

	a.mu.Lock()
	a.nextIdent++
	if a.nextIdent == 0 { // identifier 0 is invalid
		a.nextIdent = 1
	}
	ident := a.nextIdent
	a.pending[handle] = ident
	a.mu.Unlock()

	return a.signal(handle, blehci.SignalConnectionParameterUpdateRequest, ident, payload)
}

// RespondParamUpdate answers the peer's L2CAP request carrying identifier
func (a *Adapter) RespondParamUpdate(handle gap.ConnHandle, identifier uint8, result stack.SignalingResult) error {
	rsp := &blehci.ConnectionParameterUpdateResponse{Result: uint16(result)}
	payload, err := rsp.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode signaling response: %v", status.InvalidParameter, err)
	}
	return a.signal(handle, blehci.SignalConnectionParameterUpdateResponse, identifier, payload)
}

// signal frames an LE signaling packet: code, identifier, length, data
func (a *Adapter) signal(handle gap.ConnHandle, code int, ident uint8, payload []byte) error {
	pkt := make([]byte, 4+len(payload))
	pkt[0] = uint8(code)
	pkt[1] = ident
	binary.LittleEndian.PutUint16(pkt[2:], uint16(len(payload)))
	copy(pkt[4:], payload)

	if err := a.transport.SendSignal(handle, pkt); err != nil {
		a.logger.WithError(err).WithField("handle", handle).Error("Signaling packet not sent")
		return fmt.Errorf("%w: signaling 0x%02x: %v", status.Fail, code, err)
	}
	return nil
}

// listAddressType is the address type field of the controller lists
func listAddressType(a gap.Address) uint8 {
	if a.Type == gap.AddrPublic {
		return 0x00
	}
	return 0x01
}

// go-ble's command set stops short of the resolving list; these follow its
// cmd_gen.go layout.

// leClearResolvingList implements LE Clear Resolving List (0x08|0x0029)
type leClearResolvingList struct{}

func (c *leClearResolvingList) String() string { return "LE Clear Resolving List (0x08|0x0029)" }
func (c *leClearResolvingList) OpCode() int    { return 0x08<<10 | 0x0029 }
func (c *leClearResolvingList) Len() int       { return 0 }
func (c *leClearResolvingList) Marshal([]byte) error {
	return nil
}

// leAddDeviceToResolvingList implements LE Add Device To Resolving List (0x08|0x0027)
type leAddDeviceToResolvingList struct {
	PeerIdentityAddressType uint8
	PeerIdentityAddress     [6]byte
	PeerIRK                 [16]byte
	LocalIRK                [16]byte
}

func (c *leAddDeviceToResolvingList) String() string {
	return "LE Add Device To Resolving List (0x08|0x0027)"
}
func (c *leAddDeviceToResolvingList) OpCode() int { return 0x08<<10 | 0x0027 }
func (c *leAddDeviceToResolvingList) Len() int    { return 39 }
func (c *leAddDeviceToResolvingList) Marshal(b []byte) error {
	buf := bytes.NewBuffer(b[:0])
	return binary.Write(buf, binary.LittleEndian, c)
}
