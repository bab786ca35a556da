// Package stack describes the protocol stack the device manager sits on.
//
// The GAP/L2CAP/SMP engines are external collaborators: the device manager
// only issues the requests listed here and reacts to the events defined in
// events.go. Every call returns nil on success or an error carrying a
// status.Code (at least OutOfMemory, UnsupportedRemoteFeature,
// InvalidParameter and CommandDisallowed).
package stack

import "github.com/srg/bledm/pkg/gap"

// SignalingResult is the result field of an L2CAP connection parameter update response
type SignalingResult uint16

const (
	SignalingAccepted SignalingResult = 0x0000
	SignalingRejected SignalingResult = 0x0001
)

func (r SignalingResult) String() string {
	if r == SignalingAccepted {
		return "accepted"
	}
	return "rejected"
}

// LinkLayer issues link-layer connection parameter procedures
type LinkLayer interface {
	UpdateConnection(handle gap.ConnHandle, params gap.ConnParams) error
	ReplyRemoteParams(handle gap.ConnHandle, params gap.ConnParams) error
	RejectRemoteParams(handle gap.ConnHandle, reason uint8) error
}

// Signaling issues L2CAP connection parameter update signaling
type Signaling interface {
	RequestParamUpdate(handle gap.ConnHandle, params gap.ConnParams) error
	RespondParamUpdate(handle gap.ConnHandle, identifier uint8, result SignalingResult) error
}

// Security answers key requests raised by the SMP engine
type Security interface {
	ReplyLTK(handle gap.ConnHandle, ltk [16]byte) error
	RejectLTK(handle gap.ConnHandle) error
}

// ResolvingEntry is one resolving-list entry
type ResolvingEntry struct {
	Peer     gap.Address
	PeerIRK  [16]byte
	LocalIRK [16]byte
}

// AddressLists manages the controller filter-accept and resolving lists
type AddressLists interface {
	SetFilterAcceptList(addrs []gap.Address) error
	SetResolvingList(entries []ResolvingEntry) error
}

// Stack is everything the device manager needs from the protocol layer
type Stack interface {
	LinkLayer
	Signaling
	Security
	AddressLists
}
