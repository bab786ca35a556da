package bonding

import (
	"encoding/hex"
	"testing"

	"github.com/srg/bledm/pkg/gap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storedIRK converts an MSB-first hex key into the stored (LSB-first) order
func storedIRK(t *testing.T, msbFirst string) [16]byte {
	raw, err := hex.DecodeString(msbFirst)
	require.NoError(t, err)
	require.Len(t, raw, 16)
	var k [16]byte
	for i := range raw {
		k[i] = raw[15-i]
	}
	return k
}

func TestAh_CoreSpecificationVector(t *testing.T) {
	// Sample data for the random address hash function:
	// IRK ec0234a357c8ad05341010a60a397d9b, prand 708194 -> hash 0dfbaa
	irk := storedIRK(t, "ec0234a357c8ad05341010a60a397d9b")

	hash := ah(irk, [3]byte{0x94, 0x81, 0x70})
	assert.Equal(t, [3]byte{0xaa, 0xfb, 0x0d}, hash)

	addr, err := gap.ParseAddress("70:81:94:0D:FB:AA", gap.AddrResolvablePrivate)
	require.NoError(t, err)
	assert.True(t, ResolvePrivateAddress(irk, addr))
}

func TestResolvePrivateAddress(t *testing.T) {
	irk := storedIRK(t, "00112233445566778899aabbccddeeff")
	addr := GeneratePrivateAddress(irk, [3]byte{0x01, 0x02, 0x03})

	t.Run("generated address resolves", func(t *testing.T) {
		assert.Equal(t, gap.AddrResolvablePrivate, addr.Type)
		assert.Equal(t, byte(0x40), addr.Bytes[5]&0xC0, "prand MUST carry the resolvable marker bits")
		assert.True(t, ResolvePrivateAddress(irk, addr))
	})

	t.Run("every single-bit hash perturbation fails", func(t *testing.T) {
		for bit := 0; bit < 24; bit++ {
			bad := addr
			bad.Bytes[bit/8] ^= 1 << (bit % 8)
			assert.False(t, ResolvePrivateAddress(irk, bad), "bit %d", bit)
		}
	})

	t.Run("other key does not resolve", func(t *testing.T) {
		other := irk
		other[0] ^= 0x80
		assert.False(t, ResolvePrivateAddress(other, addr))
	})

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, addr, GeneratePrivateAddress(irk, [3]byte{0x01, 0x02, 0x03}))
	})
}

func TestRandomPrand(t *testing.T) {
	p, err := RandomPrand()
	require.NoError(t, err)

	irk := storedIRK(t, "ffeeddccbbaa99887766554433221100")
	assert.True(t, ResolvePrivateAddress(irk, GeneratePrivateAddress(irk, p)))
}

func TestParseKey(t *testing.T) {
	want := storedIRK(t, "ec0234a357c8ad05341010a60a397d9b")

	for _, in := range []string{
		"ec0234a357c8ad05341010a60a397d9b",
		"EC:02:34:A3:57:C8:AD:05:34:10:10:A6:0A:39:7D:9B",
		"0xec0234a357c8ad05341010a60a397d9b",
	} {
		k, err := ParseKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, k, in)
	}
	assert.Equal(t, "ec0234a357c8ad05341010a60a397d9b", FormatKey(want))

	_, err := ParseKey("ec0234")
	assert.Error(t, err)
	_, err = ParseKey("zz0234a357c8ad05341010a60a397d9b")
	assert.Error(t, err)
}

func BenchmarkResolvePrivateAddress(b *testing.B) {
	var irk [16]byte
	irk[3] = 0x42
	addr := GeneratePrivateAddress(irk, [3]byte{9, 8, 7})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ResolvePrivateAddress(irk, addr)
	}
}
