// crypto.go - Cryptographic primitives for the confidential expense ledger.
//
// Implements MiMC hashing, Pedersen commitments over BLS12-377 G1 (the
// additively homomorphic ciphertext core), and BLS12-377 Diffie-Hellman key
// exchange with MiMC-masked encryption for carrying ciphertext openings and
// decryption results.

package fhe

import (
	"crypto/rand"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"

	"cipherledger/internal/account"
)

// fieldByteLen is the byte length of a BW6-761 scalar field element, the
// field all native MiMC computations and circuit variables live in.
const fieldByteLen = 48

var (
	// pedersenG and pedersenH are the Pedersen commitment generators.
	// G is the standard BLS12-377 G1 generator; H is derived from hashing a
	// fixed label so nobody knows its discrete log with respect to G.
	pedersenG bls12377.G1Affine
	pedersenH bls12377.G1Affine
)

func init() {
	g1Jac, _, _, _ := bls12377.Generators()
	pedersenG.FromJacobian(&g1Jac)

	var scalar bls12377_fr.Element
	scalar.SetBytes(account.Keccak256([]byte("cipherledger.pedersen.H")))
	pedersenH.ScalarMultiplication(&pedersenG, scalar.BigInt(new(big.Int)))
}

// pad48 left-pads b with zeros to the native field element size so that a
// native MiMC write of b hashes the same field element as a circuit write of
// the corresponding variable, including zero values.
func pad48(b []byte) []byte {
	if len(b) == fieldByteLen {
		return b
	}
	out := make([]byte, fieldByteLen)
	copy(out[fieldByteLen-len(b):], b)
	return out
}

// mimcSum hashes the given byte strings as a sequence of field elements.
func mimcSum(fields ...[]byte) []byte {
	h := mimcNative.NewMiMC()
	for _, f := range fields {
		h.Write(pad48(f))
	}
	return h.Sum(nil)
}

// randomBytes generates n random bytes using crypto/rand.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// Commit computes the Pedersen commitment C = value*G + blinding*H.
// The commitment is additively homomorphic: adding two commitments commits
// to the sum of the values under the sum of the blindings.
func Commit(value *big.Int, blinding *bls12377_fr.Element) bls12377.G1Affine {
	var vG, rH, cm bls12377.G1Affine
	vG.ScalarMultiplication(&pedersenG, value)
	rH.ScalarMultiplication(&pedersenH, blinding.BigInt(new(big.Int)))
	cm.Add(&vG, &rH)
	return cm
}

// AddCommitments adds two Pedersen commitments.
func AddCommitments(a, b *bls12377.G1Affine) bls12377.G1Affine {
	var sum bls12377.G1Affine
	sum.Add(a, b)
	return sum
}

// DHKeyPair is a BLS12-377 keypair for Diffie-Hellman key exchange.
// It doubles as the ephemeral session keypair of a decryption request.
type DHKeyPair struct {
	Sk *bls12377_fr.Element
	Pk *bls12377.G1Affine
}

// GenerateDHKeyPair generates a random BLS12-377 keypair.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	var sk bls12377_fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, err
	}
	g1Jac, _, _, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.FromJacobian(&g1Jac)
	pk.ScalarMultiplication(&pk, sk.BigInt(new(big.Int)))
	return &DHKeyPair{Sk: &sk, Pk: &pk}, nil
}

// ComputeDHShared computes the shared secret given our secret scalar and the
// other party's public key.
func ComputeDHShared(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// maskChain derives n masking values from a DH shared secret using a MiMC
// hash chain.
func maskChain(shared *bls12377.G1Affine, n int) []*big.Int {
	h := mimcNative.NewMiMC()
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	h.Write(x[:])
	h.Write(y[:])
	prev := h.Sum(nil)

	masks := make([]*big.Int, n)
	masks[0] = new(big.Int).SetBytes(prev)
	for i := 1; i < n; i++ {
		h.Reset()
		h.Write(prev)
		prev = h.Sum(nil)
		masks[i] = new(big.Int).SetBytes(prev)
	}
	return masks
}

// MaskValues encrypts values by adding a per-position mask derived from the
// shared secret. The receiver recovers them with UnmaskValues.
func MaskValues(shared *bls12377.G1Affine, values []*big.Int) []*big.Int {
	masks := maskChain(shared, len(values))
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = new(big.Int).Add(v, masks[i])
	}
	return out
}

// UnmaskValues reverses MaskValues given the same shared secret.
func UnmaskValues(shared *bls12377.G1Affine, masked []*big.Int) []*big.Int {
	masks := maskChain(shared, len(masked))
	out := make([]*big.Int, len(masked))
	for i, m := range masked {
		out[i] = new(big.Int).Sub(m, masks[i])
	}
	return out
}

// bindingTag hashes a (contract, user) pair into a field element. Input
// proofs are verified against this tag, which binds a ciphertext to the
// exact caller and contract it was encrypted for.
func bindingTag(contract, user account.Address) *big.Int {
	return new(big.Int).SetBytes(mimcSum(contract.Bytes(), user.Bytes()))
}
