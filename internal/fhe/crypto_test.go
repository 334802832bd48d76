package fhe

import (
	"math/big"
	"testing"

	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherledger/internal/account"
)

func TestCommitmentHomomorphism(t *testing.T) {
	var r1, r2 bls12377_fr.Element
	_, err := r1.SetRandom()
	require.NoError(t, err)
	_, err = r2.SetRandom()
	require.NoError(t, err)

	c1 := Commit(big.NewInt(1000), &r1)
	c2 := Commit(big.NewInt(500), &r2)

	var rSum bls12377_fr.Element
	rSum.Add(&r1, &r2)
	expected := Commit(big.NewInt(1500), &rSum)

	sum := AddCommitments(&c1, &c2)
	assert.True(t, sum.Equal(&expected), "Com(a)+Com(b) must equal Com(a+b)")
}

func TestCommitmentHiding(t *testing.T) {
	var r1, r2 bls12377_fr.Element
	r1.SetRandom()
	r2.SetRandom()

	c1 := Commit(big.NewInt(42), &r1)
	c2 := Commit(big.NewInt(42), &r2)
	assert.False(t, c1.Equal(&c2), "fresh blindings must yield distinct commitments")
}

func TestDHSharedSecret(t *testing.T) {
	kp1, err := GenerateDHKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateDHKeyPair()
	require.NoError(t, err)

	s1 := ComputeDHShared(kp1.Sk, kp2.Pk)
	s2 := ComputeDHShared(kp2.Sk, kp1.Pk)
	assert.True(t, s1.Equal(s2), "DH shared secrets must match")
}

func TestMaskUnmaskRoundTrip(t *testing.T) {
	kp1, err := GenerateDHKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateDHKeyPair()
	require.NoError(t, err)

	shared := ComputeDHShared(kp1.Sk, kp2.Pk)
	values := []*big.Int{big.NewInt(1000), big.NewInt(0), new(big.Int).Lsh(big.NewInt(1), 200)}

	masked := MaskValues(shared, values)
	for i := range values {
		assert.NotEqual(t, values[i].String(), masked[i].String(), "masking must change the value")
	}

	other := ComputeDHShared(kp2.Sk, kp1.Pk)
	recovered := UnmaskValues(other, masked)
	for i := range values {
		assert.Equal(t, values[i].String(), recovered[i].String())
	}
}

func TestBindingTag(t *testing.T) {
	contract, err := account.HexToAddress("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	alice, err := account.HexToAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	bob, err := account.HexToAddress("0x3333333333333333333333333333333333333333")
	require.NoError(t, err)

	assert.Equal(t, bindingTag(contract, alice), bindingTag(contract, alice))
	assert.NotEqual(t, bindingTag(contract, alice).String(), bindingTag(contract, bob).String())
	assert.NotEqual(t, bindingTag(contract, alice).String(), bindingTag(alice, contract).String())
}

func TestHandleParsing(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var h Handle
		copy(h[:], account.Keccak256([]byte("some handle")))
		parsed, err := ParseHandle(h.Hex())
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
	})

	t.Run("rejects short handle", func(t *testing.T) {
		_, err := ParseHandle("0xdeadbeef")
		assert.Error(t, err)
	})

	t.Run("rejects missing prefix", func(t *testing.T) {
		_, err := ParseHandle("deadbeef")
		assert.Error(t, err)
	})

	t.Run("zero sentinel", func(t *testing.T) {
		assert.True(t, ZeroHandle.IsZero())
		var h Handle
		h[0] = 1
		assert.False(t, h.IsZero())
	})
}
