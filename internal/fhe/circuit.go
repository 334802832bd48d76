package fhe

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
	"github.com/consensys/gnark/std/hash/mimc"
)

// CircuitAmount is the validity-proof circuit for an encrypted amount.
// It proves, without revealing the amount, that:
//   - the public commitment opens to Value under Blinding (Cm = Value*G + Blinding*H),
//   - Value fits in 32 bits,
//   - the prover built the ciphertext for the public binding tag, i.e. for a
//     specific (contract, user) pair. Verifying against a different caller or
//     contract produces a different public witness and the proof fails.
type CircuitAmount struct {
	// Public inputs
	Cm      sw_bls12377.G1Affine `gnark:",public"`
	G       sw_bls12377.G1Affine `gnark:",public"`
	H       sw_bls12377.G1Affine `gnark:",public"`
	Binding frontend.Variable    `gnark:",public"`
	Tag     frontend.Variable    `gnark:",public"`

	// Private inputs
	Value    frontend.Variable
	Blinding frontend.Variable
}

func (c *CircuitAmount) Define(api frontend.API) error {
	// Range: the amount is a 32-bit unsigned value.
	api.ToBinary(c.Value, 32)

	// Commitment: Cm = Value*G + Blinding*H.
	vG := new(sw_bls12377.G1Affine)
	vG.ScalarMul(api, c.G, c.Value)
	rH := new(sw_bls12377.G1Affine)
	rH.ScalarMul(api, c.H, c.Blinding)
	vG.AddAssign(api, *rH)
	api.AssertIsEqual(c.Cm.X, vG.X)
	api.AssertIsEqual(c.Cm.Y, vG.Y)

	// Context binding: Tag = MiMC(Binding, Value, Blinding).
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Binding)
	hasher.Write(c.Value)
	hasher.Write(c.Blinding)
	api.AssertIsEqual(c.Tag, hasher.Sum())

	return nil
}
