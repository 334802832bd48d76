// Package wallet holds a user's signing identity for the expense ledger.
package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/consensys/gnark-crypto/ecc/bls12-377/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/twistededwards/eddsa"
	"github.com/consensys/gnark-crypto/hash"
	"github.com/pkg/errors"

	"cipherledger/internal/account"
)

// Wallet is an EdDSA identity. The address is derived from the public key the
// same way the ledger derives caller addresses.
type Wallet struct {
	priv *eddsa.PrivateKey
}

// New generates a fresh identity.
func New() (*Wallet, error) {
	priv, err := eddsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate identity key")
	}
	return &Wallet{priv: priv}, nil
}

// Address returns the 20-byte address derived from the public key.
func (w *Wallet) Address() account.Address {
	return account.FromPublicKey(w.PublicKeyBytes())
}

// PublicKeyBytes returns the compressed public key.
func (w *Wallet) PublicKeyBytes() []byte {
	pk := w.priv.PublicKey.Bytes()
	return pk[:]
}

// Sign signs msg with the identity key. msg must already be reduced into the
// scalar field, as Authorization.SigningMessage does.
func (w *Wallet) Sign(msg []byte) ([]byte, error) {
	sig, err := w.priv.Sign(msg, hash.MIMC_BLS12_377.New())
	if err != nil {
		return nil, errors.Wrap(err, "sign")
	}
	return sig, nil
}

// walletFile is the on-disk JSON form.
type walletFile struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// Save writes the wallet to a JSON file, private key included. The file is
// created with owner-only permissions.
func (w *Wallet) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create wallet dir")
	}
	priv := w.priv.Bytes()
	data, err := json.MarshalIndent(walletFile{
		Address:    w.Address().Hex(),
		PrivateKey: hex.EncodeToString(priv),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode wallet")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "write wallet")
}

// Load reads a wallet from a JSON file.
func Load(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read wallet")
	}
	var wf walletFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, errors.Wrap(err, "decode wallet")
	}
	privBytes, err := hex.DecodeString(wf.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode private key")
	}
	priv := new(eddsa.PrivateKey)
	if _, err := priv.SetBytes(privBytes); err != nil {
		return nil, errors.Wrap(err, "restore private key")
	}
	return &Wallet{priv: priv}, nil
}

// LoadOrCreate loads the wallet at path, creating and saving a new one if the
// file does not exist yet.
func LoadOrCreate(path string) (*Wallet, error) {
	w, err := Load(path)
	if err == nil {
		return w, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}
	w, err = New()
	if err != nil {
		return nil, err
	}
	if err := w.Save(path); err != nil {
		return nil, err
	}
	return w, nil
}

// VerifySignature checks sig over msg against a compressed public key.
func VerifySignature(pubBytes, msg, sig []byte) (bool, error) {
	var pub eddsa.PublicKey
	if _, err := pub.SetBytes(pubBytes); err != nil {
		return false, errors.Wrap(err, "decode public key")
	}
	return pub.Verify(sig, msg, hash.MIMC_BLS12_377.New())
}
