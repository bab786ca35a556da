// Package status defines the status-code vocabulary shared by the device
// manager and the protocol stack it drives.
//
// A Code is an error, so every entry point returns a plain error and callers
// classify it with errors.Is:
//
//	if errors.Is(err, status.NoResource) {
//	    // evict something and retry
//	}
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a device-manager or protocol-layer result code.
type Code uint16

const (
	Success                  Code = 0x0000
	Fail                     Code = 0x0001
	OutOfMemory              Code = 0x0002
	InvalidParameter         Code = 0x0003
	NoResource               Code = 0x0004
	UnknownConnection        Code = 0x0102
	CommandDisallowed        Code = 0x010C
	UnsupportedRemoteFeature Code = 0x011A
	UnacceptableParameters   Code = 0x013B
)

var names = map[Code]string{
	Success:                  "success",
	Fail:                     "failure",
	OutOfMemory:              "out of memory",
	InvalidParameter:         "invalid parameter",
	NoResource:               "no resource",
	UnknownConnection:        "unknown connection",
	CommandDisallowed:        "command disallowed",
	UnsupportedRemoteFeature: "unsupported remote feature",
	UnacceptableParameters:   "unacceptable connection parameters",
}

// Error implements the error interface
func (c Code) Error() string {
	return c.String()
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("status 0x%04x", uint16(c))
}

// HCIReason returns the low byte, which for protocol-layer codes (0x01xx) is
// the reason value carried on the air.
func (c Code) HCIReason() uint8 {
	return uint8(c)
}

// Of maps an error onto the shared vocabulary. nil maps to Success, a wrapped
// Code is unwrapped, and anything else is a generic Fail.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Fail
}

// Parse accepts a code name ("unsupported remote feature",
// "unsupported_remote_feature" and "unsupported-remote-feature" are equivalent)
func Parse(name string) (Code, error) {
	norm := strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(name)))
	for c, n := range names {
		if n == norm {
			return c, nil
		}
	}
	return Fail, fmt.Errorf("unknown status %q", name)
}

// Errorf wraps code with a formatted message while keeping it matchable by errors.Is
func Errorf(code Code, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}

// FromHCI maps a controller status byte onto the shared vocabulary. Codes
// without a named equivalent keep their value in the protocol-layer range.
func FromHCI(b uint8) Code {
	switch b {
	case 0x00:
		return Success
	case 0x07: // memory capacity exceeded
		return OutOfMemory
	case 0x12: // invalid HCI command parameters
		return InvalidParameter
	default:
		return Code(0x0100 | uint16(b))
	}
}
