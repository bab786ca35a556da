package bonding

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/stack"
	"github.com/srg/bledm/pkg/status"
)

// Encryption key size bounds, in octets
const (
	MinKeySize = 7
	MaxKeySize = 16
)

// KeySize is the negotiated encryption key size. Zero means "not recorded".
type KeySize uint8

// NewKeySize validates n against the protocol bounds
func NewKeySize(n int) (KeySize, error) {
	if n < MinKeySize || n > MaxKeySize {
		return 0, status.Errorf(status.InvalidParameter, "key size %d outside %d..%d", n, MinKeySize, MaxKeySize)
	}
	return KeySize(n), nil
}

// Valid reports whether the key size is unset or within bounds
func (k KeySize) Valid() bool {
	return k == 0 || (k >= MinKeySize && k <= MaxKeySize)
}

// Record is the security material kept for one bonded peer
type Record struct {
	// main sub-record
	Peer              gap.Address
	PeerIRK           [16]byte
	Rand              [8]byte
	EDIV              uint16
	LTK               [16]byte
	KeySize           KeySize
	SecureConnections bool
	Authenticated     bool

	// extended sub-record
	Local    gap.Address
	LocalIRK [16]byte
}

// RecordFromKeys builds a record from pairing output and the local identity
func RecordFromKeys(keys stack.PairingKeys, local gap.Address, localIRK [16]byte) (Record, error) {
	ks := KeySize(keys.KeySize)
	if !ks.Valid() {
		return Record{}, status.Errorf(status.InvalidParameter, "key size %d", keys.KeySize)
	}
	return Record{
		Peer:              keys.PeerIdentity,
		PeerIRK:           keys.PeerIRK,
		Rand:              keys.Rand,
		EDIV:              keys.EDIV,
		LTK:               keys.LTK,
		KeySize:           ks,
		SecureConnections: keys.SecureConnections,
		Authenticated:     keys.Authenticated,
		Local:             local,
		LocalIRK:          localIRK,
	}, nil
}

// Validate checks the fields that have bounded encodings
func (r *Record) Validate() error {
	if !r.KeySize.Valid() {
		return status.Errorf(status.InvalidParameter, "key size %d", r.KeySize)
	}
	if r.Peer.Type > gap.AddrNonResolvablePrivate || r.Local.Type > gap.AddrNonResolvablePrivate {
		return status.Errorf(status.InvalidParameter, "address type out of range")
	}
	return nil
}

// HasPeerIRK reports whether the peer distributed an identity key
func (r *Record) HasPeerIRK() bool {
	return r.PeerIRK != [16]byte{}
}

const (
	mainLen     = 50
	extendedLen = 23

	flagSecureConnections = 1 << 6
	flagAuthenticated     = 1 << 7
	keySizeMask           = 0x3F
)

func encodeAddress(b []byte, a gap.Address) {
	b[0] = byte(a.Type)
	copy(b[1:7], a.Bytes[:])
}

func decodeAddress(b []byte) gap.Address {
	a := gap.Address{Type: gap.AddressType(b[0])}
	copy(a.Bytes[:], b[1:7])
	return a
}

func (r *Record) encodeMain() []byte {
	b := make([]byte, mainLen)
	encodeAddress(b[0:7], r.Peer)
	copy(b[7:23], r.PeerIRK[:])
	copy(b[23:31], r.Rand[:])
	binary.LittleEndian.PutUint16(b[31:33], r.EDIV)
	copy(b[33:49], r.LTK[:])

	flags := byte(r.KeySize) & keySizeMask
	if r.SecureConnections {
		flags |= flagSecureConnections
	}
	if r.Authenticated {
		flags |= flagAuthenticated
	}
	b[49] = flags
	return b
}

func (r *Record) decodeMain(b []byte) error {
	if len(b) != mainLen {
		return fmt.Errorf("main record: expected %d bytes, got %d", mainLen, len(b))
	}
	r.Peer = decodeAddress(b[0:7])
	copy(r.PeerIRK[:], b[7:23])
	copy(r.Rand[:], b[23:31])
	r.EDIV = binary.LittleEndian.Uint16(b[31:33])
	copy(r.LTK[:], b[33:49])
	r.KeySize = KeySize(b[49] & keySizeMask)
	r.SecureConnections = b[49]&flagSecureConnections != 0
	r.Authenticated = b[49]&flagAuthenticated != 0
	return nil
}

func (r *Record) encodeExtended() []byte {
	b := make([]byte, extendedLen)
	encodeAddress(b[0:7], r.Local)
	copy(b[7:23], r.LocalIRK[:])
	return b
}

func (r *Record) decodeExtended(b []byte) error {
	if len(b) != extendedLen {
		return fmt.Errorf("extended record: expected %d bytes, got %d", extendedLen, len(b))
	}
	r.Local = decodeAddress(b[0:7])
	copy(r.LocalIRK[:], b[7:23])
	return nil
}
