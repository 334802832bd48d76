// handle.go - Ciphertext handles for the confidential expense ledger.
//
// A Handle is an opaque 32-byte reference to an encrypted value held by the
// encryption engine. Handles are derived by hashing the ciphertext commitment
// together with the context that produced it, so every homomorphic operation
// yields a fresh handle and prior decryption grants never carry forward.

package fhe

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"

	"cipherledger/internal/account"
)

// HandleLength is the byte length of a ciphertext handle.
const HandleLength = 32

// Handle references an encrypted value without revealing it.
type Handle [HandleLength]byte

// ZeroHandle is the sentinel returned for uninitialized accounts.
var ZeroHandle Handle

// ParseHandle parses a 0x-prefixed, fixed-length hex handle string.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return h, errors.Errorf("handle %q missing 0x prefix", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return h, errors.Wrapf(err, "handle %q is not valid hex", s)
	}
	if len(raw) != HandleLength {
		return h, errors.Errorf("handle %q has length %d, want %d bytes", s, len(raw), HandleLength)
	}
	copy(h[:], raw)
	return h, nil
}

// Hex returns the 0x-prefixed lowercase hex form of the handle.
func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Handle) String() string { return h.Hex() }

// IsZero reports whether the handle is the uninitialized sentinel.
func (h Handle) IsZero() bool { return h == ZeroHandle }

// Bytes returns the handle as a byte slice.
func (h Handle) Bytes() []byte { return h[:] }

// deriveInputHandle computes the handle of a freshly encrypted input. The
// handle commits to the ciphertext and to the (contract, user) pair it was
// produced for, plus a nonce so repeated amounts yield distinct handles.
func deriveInputHandle(cm *bls12377.G1Affine, contract, user account.Address, nonce []byte) Handle {
	var h Handle
	cmBytes := cm.Marshal()
	sum := account.Keccak256(cmBytes, contract.Bytes(), user.Bytes(), nonce)
	copy(h[:], sum)
	return h
}

// deriveSumHandle computes the handle of a homomorphic sum from the resulting
// commitment and the two operand handles.
func deriveSumHandle(cm *bls12377.G1Affine, a, b Handle) Handle {
	var h Handle
	cmBytes := cm.Marshal()
	sum := account.Keccak256(cmBytes, a.Bytes(), b.Bytes())
	copy(h[:], sum)
	return h
}
