// Package gap holds the addressing and connection-timing primitives shared by
// the device manager components.
package gap

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/srg/bledm/pkg/status"
)

// ConnHandle identifies a live link; it is scoped to the protocol layer
type ConnHandle uint16

// Role is the local role on a link
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// DeviceID addresses a paired-device record
type DeviceID uint8

// UnknownDevice marks a connection that does not map to a bonded peer
const UnknownDevice DeviceID = 0xFF

// AddressType classifies a device address
type AddressType uint8

const (
	AddrPublic AddressType = iota
	AddrRandomStatic
	AddrResolvablePrivate
	AddrNonResolvablePrivate
)

var addrTypeNames = map[AddressType]string{
	AddrPublic:               "public",
	AddrRandomStatic:         "random-static",
	AddrResolvablePrivate:    "rpa",
	AddrNonResolvablePrivate: "nrpa",
}

func (t AddressType) String() string {
	if n, ok := addrTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("addr-type(%d)", uint8(t))
}

// ParseAddressType accepts the names printed by AddressType.String
func ParseAddressType(s string) (AddressType, error) {
	for t, n := range addrTypeNames {
		if strings.EqualFold(s, n) {
			return t, nil
		}
	}
	return 0, status.Errorf(status.InvalidParameter, "unknown address type %q", s)
}

// Address is a 48-bit device address. Bytes are kept in on-air order
// (least significant byte first); String prints the usual MSB-first form.
type Address struct {
	Type  AddressType
	Bytes [6]byte
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (or the dash/compact variants).
func ParseAddress(s string, t AddressType) (Address, error) {
	norm := strings.NewReplacer(":", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(norm)
	if err != nil || len(raw) != 6 {
		return Address{}, status.Errorf(status.InvalidParameter, "malformed address %q", s)
	}
	a := Address{Type: t}
	for i := 0; i < 6; i++ {
		a.Bytes[i] = raw[5-i]
	}
	return a, nil
}

func (a Address) String() string {
	var b strings.Builder
	for i := 5; i >= 0; i-- {
		fmt.Fprintf(&b, "%02X", a.Bytes[i])
		if i > 0 {
			b.WriteByte(':')
		}
	}
	return b.String()
}

// IsZero reports whether no address bytes are set
func (a Address) IsZero() bool {
	return a.Bytes == [6]byte{}
}

// Hash returns the 24-bit hash field of a resolvable private address
func (a Address) Hash() [3]byte {
	return [3]byte{a.Bytes[0], a.Bytes[1], a.Bytes[2]}
}

// Prand returns the 24-bit random field of a resolvable private address
func (a Address) Prand() [3]byte {
	return [3]byte{a.Bytes[3], a.Bytes[4], a.Bytes[5]}
}
