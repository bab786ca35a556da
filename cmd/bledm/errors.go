package main

import (
	"errors"

	"github.com/srg/bledm/internal/storage"
	"github.com/srg/bledm/pkg/status"
)

// Command-level errors
var (
	// ErrNoMatch is returned by "rpa resolve" when the address was not generated from the key
	ErrNoMatch = errors.New("address does not resolve with this key")
	// ErrRejected is returned by "policy check" when the proposal is refused
	ErrRejected = errors.New("proposal rejected")
)

// formatUserError adds a hint for the failures users can act on
func formatUserError(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		return msg + " (record failed its integrity check; delete it and pair again)"
	case errors.Is(err, status.NoResource):
		return msg + " (free a slot with 'bledm bonds delete <id>')"
	case errors.Is(err, status.InvalidParameter):
		return msg + " (see --help for accepted values)"
	default:
		return msg
	}
}
