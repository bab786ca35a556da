package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil is success", err: nil, want: Success},
		{name: "bare code", err: NoResource, want: NoResource},
		{name: "wrapped code", err: fmt.Errorf("register: %w", OutOfMemory), want: OutOfMemory},
		{name: "errorf keeps code", err: Errorf(InvalidParameter, "id %d", 9), want: InvalidParameter},
		{name: "foreign error", err: errors.New("disk on fire"), want: Fail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.err))
		})
	}
}

func TestErrorsIs(t *testing.T) {
	err := Errorf(UnsupportedRemoteFeature, "handle 0x%04x", 0x40)

	assert.ErrorIs(t, err, UnsupportedRemoteFeature)
	assert.NotErrorIs(t, err, CommandDisallowed)
	assert.Equal(t, "unsupported remote feature: handle 0x0040", err.Error())
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "no resource", NoResource.String())
	assert.Equal(t, "status 0x7777", Code(0x7777).String())
	assert.Equal(t, uint8(0x3B), UnacceptableParameters.HCIReason())
}

func TestParse(t *testing.T) {
	for _, name := range []string{"unsupported remote feature", "unsupported_remote_feature", "Unsupported-Remote-Feature"} {
		c, err := Parse(name)
		require.NoError(t, err, name)
		assert.Equal(t, UnsupportedRemoteFeature, c)
	}

	_, err := Parse("bogus")
	assert.Error(t, err)
}

func TestFromHCI(t *testing.T) {
	tests := []struct {
		hci  uint8
		want Code
	}{
		{hci: 0x00, want: Success},
		{hci: 0x02, want: UnknownConnection},
		{hci: 0x07, want: OutOfMemory},
		{hci: 0x0C, want: CommandDisallowed},
		{hci: 0x12, want: InvalidParameter},
		{hci: 0x1A, want: UnsupportedRemoteFeature},
		{hci: 0x3B, want: UnacceptableParameters},
		{hci: 0x3E, want: Code(0x013E)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromHCI(tt.hci), "hci 0x%02x", tt.hci)
	}
}
