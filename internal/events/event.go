// Package events normalises stack callbacks into device-manager events and
// fans each one out to the registered subscribers exactly once.
package events

import (
	"fmt"

	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

// Type tags an Event
type Type uint8

const (
	Connected Type = iota + 1
	Disconnected
	SecurityStart
	SecuritySuccess
	SecurityFail
	PairedDeviceFull
	PairedDeviceUpdated
	ConnUpdateSuccess
	ConnUpdateFail
)

var typeNames = map[Type]string{
	Connected:           "connected",
	Disconnected:        "disconnected",
	SecurityStart:       "security-start",
	SecuritySuccess:     "security-success",
	SecurityFail:        "security-fail",
	PairedDeviceFull:    "paired-device-full",
	PairedDeviceUpdated: "paired-device-updated",
	ConnUpdateSuccess:   "conn-update-success",
	ConnUpdateFail:      "conn-update-fail",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Procedure tells a fresh pairing from re-encryption with stored keys
type Procedure uint8

const (
	ProcedurePairing Procedure = iota
	ProcedureEncryption
)

func (p Procedure) String() string {
	if p == ProcedureEncryption {
		return "encryption"
	}
	return "pairing"
}

// Event is a device-manager event. DeviceID is filled in by the Router.
type Event struct {
	Type       Type
	ConnHandle gap.ConnHandle
	DeviceID   gap.DeviceID

	// security events
	Procedure Procedure
	Reason    uint8

	// connection update events
	Status status.Code
	Params gap.ConnParams
}

func (e Event) String() string {
	id := "unknown"
	if e.DeviceID != gap.UnknownDevice {
		id = fmt.Sprintf("%d", e.DeviceID)
	}
	base := fmt.Sprintf("%s handle=0x%04x device=%s", e.Type, e.ConnHandle, id)

	switch e.Type {
	case SecurityStart, SecuritySuccess:
		return fmt.Sprintf("%s procedure=%s", base, e.Procedure)
	case SecurityFail:
		return fmt.Sprintf("%s procedure=%s reason=0x%02x", base, e.Procedure, e.Reason)
	case ConnUpdateSuccess:
		return fmt.Sprintf("%s %s", base, e.Params)
	case ConnUpdateFail:
		return fmt.Sprintf("%s status=%q", base, e.Status.String())
	case Disconnected:
		return fmt.Sprintf("%s reason=0x%02x", base, e.Reason)
	default:
		return base
	}
}
