package stack

import (
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

// ConnectedEvent reports the outcome of link establishment
type ConnectedEvent struct {
	Handle gap.ConnHandle
	Status status.Code
	Role   gap.Role
	Peer   gap.Address
	Params gap.ConnParams
}

// DisconnectedEvent reports link loss
type DisconnectedEvent struct {
	Handle gap.ConnHandle
	Reason uint8
}

// ConnUpdateCompleteEvent reports the end of a link-layer parameter update
type ConnUpdateCompleteEvent struct {
	Handle gap.ConnHandle
	Status status.Code
	Params gap.ConnParams
}

// RemoteParamRequestEvent is a link-layer parameter request from the peer
type RemoteParamRequestEvent struct {
	Handle gap.ConnHandle
	Params gap.ConnParams
}

// SignalingRequestEvent is an L2CAP parameter update request from the peer
type SignalingRequestEvent struct {
	Handle     gap.ConnHandle
	Identifier uint8
	Params     gap.ConnParams
}

// SignalingResponseEvent is the peer's answer to our L2CAP update request
type SignalingResponseEvent struct {
	Handle gap.ConnHandle
	Result SignalingResult
}

// PairingKeys is the key material distributed at the end of a pairing
type PairingKeys struct {
	PeerIdentity      gap.Address
	PeerIRK           [16]byte
	LTK               [16]byte
	EDIV              uint16
	Rand              [8]byte
	KeySize           uint8
	SecureConnections bool
	Authenticated     bool
	Bonding           bool
}

// PairingCompleteEvent ends a pairing procedure
type PairingCompleteEvent struct {
	Handle gap.ConnHandle
	Status status.Code
	Reason uint8 // SMP failure reason when Status != Success
	Keys   PairingKeys
}

// EncryptionChangedEvent ends a re-encryption procedure
type EncryptionChangedEvent struct {
	Handle  gap.ConnHandle
	Status  status.Code
	Reason  uint8
	Enabled bool
}

// LTKRequestEvent asks the host for the key of a previously bonded peer
type LTKRequestEvent struct {
	Handle gap.ConnHandle
	EDIV   uint16
	Rand   [8]byte
}
