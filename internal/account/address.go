// address.go - Account addresses for the confidential expense ledger.
//
// An Address is a 20-byte identifier derived from an identity public key,
// rendered as a 0x-prefixed lowercase hex string. Addresses key all per-user
// ledger state.

package account

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// AddressLength is the byte length of an account address.
const AddressLength = 20

// Address identifies an account on the ledger.
type Address [AddressLength]byte

// ZeroAddress is the all-zero address; it never owns ledger state.
var ZeroAddress Address

// HexToAddress parses a 0x-prefixed hex address string.
func HexToAddress(s string) (Address, error) {
	var a Address
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return a, errors.Errorf("address %q missing 0x prefix", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, errors.Wrapf(err, "address %q is not valid hex", s)
	}
	if len(raw) != AddressLength {
		return a, errors.Errorf("address %q has length %d, want %d bytes", s, len(raw), AddressLength)
	}
	copy(a[:], raw)
	return a, nil
}

// FromPublicKey derives the address of an identity public key:
// the last 20 bytes of Keccak256(pubKeyBytes).
func FromPublicKey(pubKey []byte) Address {
	var a Address
	h := Keccak256(pubKey)
	copy(a[:], h[len(h)-AddressLength:])
	return a
}

// Hex returns the 0x-prefixed lowercase hex form of the address.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// String implements fmt.Stringer.
func (a Address) String() string { return a.Hex() }

// IsZero reports whether the address is the all-zero address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// Bytes returns the address as a byte slice.
func (a Address) Bytes() []byte { return a[:] }

// Keccak256 computes the legacy Keccak-256 hash of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
