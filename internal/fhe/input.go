// input.go - Client-side construction of encrypted inputs.
//
// The Runtime is the client's view of the encryption engine: it can build an
// encrypted input bound to a (contract, user) pair, producing ciphertext
// handles and a validity proof the ledger will verify, and it can generate
// ephemeral session keypairs for decryption requests.

package fhe

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
	"github.com/pkg/errors"

	"cipherledger/internal/account"
)

// Runtime is the client-side encryption runtime instance.
type Runtime struct {
	keys      *KeySet
	enginePub *bls12377.G1Affine
}

// NewRuntime builds a Runtime from the shared circuit keys and the engine's
// public encryption key.
func NewRuntime(keys *KeySet, enginePub *bls12377.G1Affine) *Runtime {
	return &Runtime{keys: keys, enginePub: enginePub}
}

// GenerateKeypair generates an ephemeral session keypair for a decryption
// request. Decryption results are re-encrypted to the public half; the
// private half never leaves the caller.
func (rt *Runtime) GenerateKeypair() (*DHKeyPair, error) {
	return GenerateDHKeyPair()
}

// CreateEncryptedInput starts building an encrypted input bound to the given
// contract and user addresses.
func (rt *Runtime) CreateEncryptedInput(contract, user account.Address) *EncryptedInput {
	return &EncryptedInput{rt: rt, contract: contract, user: user}
}

// EncryptedInput accumulates plaintext values to encrypt for one submission.
type EncryptedInput struct {
	rt       *Runtime
	contract account.Address
	user     account.Address
	values   []uint64
}

// Add32 appends a 32-bit unsigned value to the input.
func (in *EncryptedInput) Add32(v uint64) *EncryptedInput {
	in.values = append(in.values, v)
	return in
}

// CiphertextBundle is the result of encrypting an input: one handle per added
// value and a single opaque validity proof covering all of them.
type CiphertextBundle struct {
	Handles    []Handle
	InputProof []byte
}

// Encrypt commits each value, proves validity, and encrypts the openings to
// the engine. The returned proof blob is what the ledger passes to the engine
// for verification.
func (in *EncryptedInput) Encrypt() (*CiphertextBundle, error) {
	if len(in.values) == 0 {
		return nil, errors.New("encrypted input is empty")
	}
	binding := bindingTag(in.contract, in.user)

	exts := make([]externalCiphertext, 0, len(in.values))
	handles := make([]Handle, 0, len(in.values))
	for _, v := range in.values {
		if v > math.MaxUint32 {
			return nil, errors.Errorf("value %d exceeds 32 bits", v)
		}
		ext, handle, err := in.rt.encryptOne(v, binding, in.contract, in.user)
		if err != nil {
			return nil, err
		}
		exts = append(exts, *ext)
		handles = append(handles, handle)
	}

	blob, err := json.Marshal(exts)
	if err != nil {
		return nil, errors.Wrap(err, "encode input proof")
	}
	return &CiphertextBundle{Handles: handles, InputProof: blob}, nil
}

func (rt *Runtime) encryptOne(v uint64, binding *big.Int, contract, user account.Address) (*externalCiphertext, Handle, error) {
	value := new(big.Int).SetUint64(v)

	var blinding bls12377_fr.Element
	if _, err := blinding.SetRandom(); err != nil {
		return nil, Handle{}, errors.Wrap(err, "sample blinding")
	}
	cm := Commit(value, &blinding)

	nonce := randomBytes(8)
	handle := deriveInputHandle(&cm, contract, user, nonce)

	blindingBig := blinding.BigInt(new(big.Int))
	tag := new(big.Int).SetBytes(mimcSum(binding.Bytes(), value.Bytes(), blindingBig.Bytes()))

	// Validity proof.
	witness := &CircuitAmount{
		Cm:       toGnarkPoint(&cm),
		G:        toGnarkPoint(&pedersenG),
		H:        toGnarkPoint(&pedersenH),
		Binding:  binding.String(),
		Tag:      tag.String(),
		Value:    value.String(),
		Blinding: blindingBig.String(),
	}
	w, err := frontend.NewWitness(witness, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, Handle{}, errors.Wrap(err, "witness creation failed")
	}
	proof, err := groth16.Prove(rt.keys.CCS, rt.keys.ProvingKey, w)
	if err != nil {
		return nil, Handle{}, errors.Wrap(err, "proof generation failed")
	}
	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, Handle{}, errors.Wrap(err, "proof marshaling failed")
	}

	// Encrypt the opening (value, blinding) to the engine.
	eph, err := GenerateDHKeyPair()
	if err != nil {
		return nil, Handle{}, errors.Wrap(err, "ephemeral keygen failed")
	}
	shared := ComputeDHShared(eph.Sk, rt.enginePub)
	masked := MaskValues(shared, []*big.Int{value, blindingBig})

	return &externalCiphertext{
		Handle:         handle.Hex(),
		Commitment:     hex.EncodeToString(cm.Marshal()),
		Nonce:          hex.EncodeToString(nonce),
		EphemeralPub:   hex.EncodeToString(eph.Pk.Marshal()),
		MaskedValue:    masked[0].String(),
		MaskedBlinding: masked[1].String(),
		Tag:            tag.String(),
		Proof:          hex.EncodeToString(proofBuf.Bytes()),
	}, handle, nil
}

// externalCiphertext is the wire form of one encrypted value inside an input
// proof blob: the commitment, the engine-encrypted opening, and the Groth16
// validity proof.
type externalCiphertext struct {
	Handle         string `json:"handle"`
	Commitment     string `json:"commitment"`
	Nonce          string `json:"nonce"`
	EphemeralPub   string `json:"ephemeral_pub"`
	MaskedValue    string `json:"masked_value"`
	MaskedBlinding string `json:"masked_blinding"`
	Tag            string `json:"tag"`
	Proof          string `json:"proof"`
}

// toGnarkPoint converts a native BLS12-377 point to gnark witness format.
func toGnarkPoint(p *bls12377.G1Affine) sw_bls12377.G1Affine {
	xBytes := p.X.Bytes()
	yBytes := p.Y.Bytes()
	return sw_bls12377.G1Affine{
		X: new(big.Int).SetBytes(xBytes[:]).String(),
		Y: new(big.Int).SetBytes(yBytes[:]).String(),
	}
}
