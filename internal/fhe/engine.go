// engine.go - The encryption engine (coprocessor role).
//
// The engine verifies input validity proofs, ingests ciphertext openings
// encrypted to its key, performs homomorphic additions, and reveals
// plaintexts to the decryption gateway once a caller is authorized.
// Ciphertext plaintexts never leave the engine through any other path.

package fhe

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/pkg/errors"

	"cipherledger/internal/account"
)

var (
	// ErrProofInvalid is returned when an input validity proof does not
	// verify against the ciphertext, caller, and contract.
	ErrProofInvalid = errors.New("input proof verification failed")
	// ErrUnknownHandle is returned for handles the engine has never seen.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")
	// ErrMalformedInput is returned when a proof blob cannot be decoded.
	ErrMalformedInput = errors.New("malformed encrypted input")
)

type cipherEntry struct {
	cm       bls12377.G1Affine
	value    uint64
	blinding bls12377_fr.Element
}

// Engine holds the ciphertext store and the engine keypair.
type Engine struct {
	mu      sync.Mutex
	keys    *KeySet
	kp      *DHKeyPair
	ciphers map[Handle]cipherEntry
	path    string // empty disables persistence
}

// NewEngine creates an in-memory engine with a fresh encryption keypair.
// Ciphertexts are lost when the process exits; use OpenEngine to keep them.
func NewEngine(keys *KeySet) (*Engine, error) {
	kp, err := GenerateDHKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "engine keygen failed")
	}
	return &Engine{
		keys:    keys,
		kp:      kp,
		ciphers: make(map[Handle]cipherEntry),
	}, nil
}

// engineState is the on-disk form of the engine: its secret key and every
// ciphertext entry. The file holds the engine secret, so it is written with
// owner-only permissions.
type engineState struct {
	PrivateKey string             `json:"private_key"`
	Entries    []engineStateEntry `json:"entries"`
}

type engineStateEntry struct {
	Handle     string `json:"handle"`
	Commitment string `json:"commitment"`
	Value      uint64 `json:"value"`
	Blinding   string `json:"blinding"`
}

// OpenEngine loads engine state from path, creating a fresh keypair and an
// empty ciphertext store when no state exists yet. State is saved after every
// ingest and addition, so persisted ledger totals stay addable and
// decryptable across restarts.
func OpenEngine(keys *KeySet, path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		e, err := NewEngine(keys)
		if err != nil {
			return nil, err
		}
		e.path = path
		if err := e.persistLocked(); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read engine state")
	}

	var st engineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrap(err, "decode engine state")
	}
	skBytes, err := hex.DecodeString(st.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode engine key")
	}
	var sk bls12377_fr.Element
	sk.SetBytes(skBytes)
	g1Jac, _, _, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.FromJacobian(&g1Jac)
	pk.ScalarMultiplication(&pk, sk.BigInt(new(big.Int)))

	ciphers := make(map[Handle]cipherEntry, len(st.Entries))
	for _, ent := range st.Entries {
		h, err := ParseHandle(ent.Handle)
		if err != nil {
			return nil, errors.Wrap(err, "engine state handle")
		}
		cmBytes, err := hex.DecodeString(ent.Commitment)
		if err != nil {
			return nil, errors.Wrap(err, "engine state commitment")
		}
		var cm bls12377.G1Affine
		if err := cm.Unmarshal(cmBytes); err != nil {
			return nil, errors.Wrap(err, "engine state commitment")
		}
		blindBytes, err := hex.DecodeString(ent.Blinding)
		if err != nil {
			return nil, errors.Wrap(err, "engine state blinding")
		}
		var blinding bls12377_fr.Element
		blinding.SetBytes(blindBytes)
		ciphers[h] = cipherEntry{cm: cm, value: ent.Value, blinding: blinding}
	}

	return &Engine{
		keys:    keys,
		kp:      &DHKeyPair{Sk: &sk, Pk: &pk},
		ciphers: ciphers,
		path:    path,
	}, nil
}

// persistLocked writes the engine state to disk. Callers hold e.mu (or hold
// the only reference, during OpenEngine).
func (e *Engine) persistLocked() error {
	if e.path == "" {
		return nil
	}
	skBytes := e.kp.Sk.Bytes()
	st := engineState{
		PrivateKey: hex.EncodeToString(skBytes[:]),
		Entries:    make([]engineStateEntry, 0, len(e.ciphers)),
	}
	for h, ent := range e.ciphers {
		blindBytes := ent.blinding.Bytes()
		st.Entries = append(st.Entries, engineStateEntry{
			Handle:     h.Hex(),
			Commitment: hex.EncodeToString(ent.cm.Marshal()),
			Value:      ent.value,
			Blinding:   hex.EncodeToString(blindBytes[:]),
		})
	}
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode engine state")
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o700); err != nil {
		return errors.Wrap(err, "create engine state dir")
	}
	return errors.Wrap(os.WriteFile(e.path, data, 0o600), "write engine state")
}

// PublicKey returns the engine's public encryption key. Clients encrypt
// ciphertext openings to it.
func (e *Engine) PublicKey() *bls12377.G1Affine {
	return e.kp.Pk
}

// VerifyInput verifies the validity proof for the given handle inside the
// proof blob, checked against the (contract, user) pair, and ingests the
// ciphertext on success. Any mismatch fails the whole operation.
func (e *Engine) VerifyInput(handle Handle, proofBlob []byte, contract, user account.Address) error {
	var exts []externalCiphertext
	if err := json.Unmarshal(proofBlob, &exts); err != nil {
		return errors.Wrap(ErrMalformedInput, err.Error())
	}
	for i := range exts {
		if exts[i].Handle == handle.Hex() {
			return e.verifyOne(&exts[i], handle, contract, user)
		}
	}
	return errors.Wrapf(ErrMalformedInput, "proof blob does not cover handle %s", handle)
}

func (e *Engine) verifyOne(ext *externalCiphertext, handle Handle, contract, user account.Address) error {
	cmBytes, err := hex.DecodeString(ext.Commitment)
	if err != nil {
		return errors.Wrap(ErrMalformedInput, "commitment is not hex")
	}
	var cm bls12377.G1Affine
	if err := cm.Unmarshal(cmBytes); err != nil {
		return errors.Wrap(ErrMalformedInput, "commitment is not a curve point")
	}
	nonce, err := hex.DecodeString(ext.Nonce)
	if err != nil {
		return errors.Wrap(ErrMalformedInput, "nonce is not hex")
	}

	// The handle must commit to this exact ciphertext and context.
	if derived := deriveInputHandle(&cm, contract, user, nonce); derived != handle {
		return errors.Wrap(ErrProofInvalid, "handle does not match ciphertext context")
	}

	tag, ok := new(big.Int).SetString(ext.Tag, 10)
	if !ok {
		return errors.Wrap(ErrMalformedInput, "tag is not a decimal integer")
	}
	binding := bindingTag(contract, user)

	// Rebuild the public witness and verify the Groth16 proof.
	public := &CircuitAmount{
		Cm:      toGnarkPoint(&cm),
		G:       toGnarkPoint(&pedersenG),
		H:       toGnarkPoint(&pedersenH),
		Binding: binding.String(),
		Tag:     tag.String(),
	}
	w, err := frontend.NewWitness(public, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return errors.Wrap(ErrProofInvalid, "cannot build public witness")
	}
	proofBytes, err := hex.DecodeString(ext.Proof)
	if err != nil {
		return errors.Wrap(ErrMalformedInput, "proof is not hex")
	}
	proof := groth16.NewProof(ecc.BW6_761)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return errors.Wrap(ErrProofInvalid, "cannot unmarshal proof")
	}
	if err := groth16.Verify(proof, e.keys.VerifyingKey, w); err != nil {
		return errors.Wrap(ErrProofInvalid, err.Error())
	}

	// Decrypt the opening with the engine key and check it against the
	// commitment, so a valid proof cannot be paired with a foreign opening.
	ephBytes, err := hex.DecodeString(ext.EphemeralPub)
	if err != nil {
		return errors.Wrap(ErrMalformedInput, "ephemeral key is not hex")
	}
	var eph bls12377.G1Affine
	if err := eph.Unmarshal(ephBytes); err != nil {
		return errors.Wrap(ErrMalformedInput, "ephemeral key is not a curve point")
	}
	maskedValue, ok := new(big.Int).SetString(ext.MaskedValue, 10)
	if !ok {
		return errors.Wrap(ErrMalformedInput, "masked value is not a decimal integer")
	}
	maskedBlinding, ok := new(big.Int).SetString(ext.MaskedBlinding, 10)
	if !ok {
		return errors.Wrap(ErrMalformedInput, "masked blinding is not a decimal integer")
	}

	shared := ComputeDHShared(e.kp.Sk, &eph)
	opening := UnmaskValues(shared, []*big.Int{maskedValue, maskedBlinding})
	value := opening[0]
	if value.Sign() < 0 || value.BitLen() > 32 {
		return errors.Wrap(ErrProofInvalid, "opening value out of range")
	}
	var blinding bls12377_fr.Element
	blinding.SetBigInt(opening[1])
	if expected := Commit(value, &blinding); !expected.Equal(&cm) {
		return errors.Wrap(ErrProofInvalid, "opening does not match commitment")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ciphers[handle] = cipherEntry{cm: cm, value: value.Uint64(), blinding: blinding}
	if err := e.persistLocked(); err != nil {
		delete(e.ciphers, handle)
		return err
	}
	return nil
}

// Add homomorphically adds two ciphertexts and stores the result under a
// fresh handle. The commitments are added on the curve; no plaintext is
// exposed by the operation.
func (e *Engine) Add(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ea, ok := e.ciphers[a]
	if !ok {
		return Handle{}, errors.Wrapf(ErrUnknownHandle, "%s", a)
	}
	eb, ok := e.ciphers[b]
	if !ok {
		return Handle{}, errors.Wrapf(ErrUnknownHandle, "%s", b)
	}

	cm := AddCommitments(&ea.cm, &eb.cm)
	var blinding bls12377_fr.Element
	blinding.Add(&ea.blinding, &eb.blinding)

	sum := deriveSumHandle(&cm, a, b)
	e.ciphers[sum] = cipherEntry{
		cm:       cm,
		value:    ea.value + eb.value,
		blinding: blinding,
	}
	if err := e.persistLocked(); err != nil {
		delete(e.ciphers, sum)
		return Handle{}, err
	}
	return sum, nil
}

// Reveal returns the 32-bit plaintext for a handle. Only the decryption
// gateway calls this, after checking authorization.
func (e *Engine) Reveal(h Handle) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.ciphers[h]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHandle, "%s", h)
	}
	return entry.value & math.MaxUint32, nil
}

// Has reports whether the engine holds a ciphertext for the handle.
func (e *Engine) Has(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ciphers[h]
	return ok
}
