package bonding

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

// ah is the random address hash function. irk is in stored (LSB-first)
// order; the cipher takes it MSB-first.
func ah(irk [16]byte, prand [3]byte) [3]byte {
	var key [16]byte
	for i := range irk {
		key[i] = irk[15-i]
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// a 16-byte key is always accepted
		panic(err)
	}

	var in, out [16]byte
	in[13], in[14], in[15] = prand[2], prand[1], prand[0]
	block.Encrypt(out[:], in[:])

	return [3]byte{out[15], out[14], out[13]}
}

// ResolvePrivateAddress reports whether addr was generated from irk
func ResolvePrivateAddress(irk [16]byte, addr gap.Address) bool {
	want := addr.Hash()
	got := ah(irk, addr.Prand())
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// GeneratePrivateAddress builds a resolvable private address for irk. prand
// is in on-air order; its two most significant bits are forced to 0b01.
func GeneratePrivateAddress(irk [16]byte, prand [3]byte) gap.Address {
	prand[2] = (prand[2] & 0x3F) | 0x40
	hash := ah(irk, prand)
	return gap.Address{
		Type:  gap.AddrResolvablePrivate,
		Bytes: [6]byte{hash[0], hash[1], hash[2], prand[0], prand[1], prand[2]},
	}
}

// RandomPrand draws a fresh prand for GeneratePrivateAddress
func RandomPrand() ([3]byte, error) {
	var p [3]byte
	_, err := rand.Read(p[:])
	return p, err
}

// ParseKey reads a 128-bit key written MSB-first in hex (colons and spaces
// allowed) into stored order
func ParseKey(s string) ([16]byte, error) {
	var k [16]byte
	norm := strings.NewReplacer(":", "", " ", "", "0x", "").Replace(strings.ToLower(s))
	raw, err := hex.DecodeString(norm)
	if err != nil || len(raw) != len(k) {
		return k, status.Errorf(status.InvalidParameter, "malformed 128-bit key %q", s)
	}
	for i := range raw {
		k[i] = raw[len(raw)-1-i]
	}
	return k, nil
}

// FormatKey prints a stored-order key MSB-first, the inverse of ParseKey
func FormatKey(k [16]byte) string {
	var msb [16]byte
	for i := range k {
		msb[i] = k[len(k)-1-i]
	}
	return hex.EncodeToString(msb[:])
}
