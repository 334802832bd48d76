package gateway

import (
	"encoding/binary"
	"math/big"

	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"

	"cipherledger/internal/account"
)

// Typed-data layout for decryption authorizations. The digest construction
// follows the 0x19 0x01 prefix scheme so an authorization is never a valid
// transaction payload, and is bound to the domain name and version.
const (
	domainName    = "ConfidentialExpenses"
	domainVersion = "1"

	domainType = "AuthorizationDomain(string name,string version)"
	authType   = "DecryptionAuthorization(bytes publicKey,address[] contracts,uint64 startTimestamp,uint64 durationDays)"
)

// Authorization is the document a user signs to let the gateway decrypt
// handles on their behalf for a bounded window.
type Authorization struct {
	// PublicKey is the session public key decryption results are
	// re-encrypted to.
	PublicKey []byte
	// Contracts lists the ledger contracts the authorization covers.
	Contracts []account.Address
	// StartTimestamp is the beginning of the validity window, unix seconds.
	StartTimestamp uint64
	// DurationDays bounds the window. Ten days by default.
	DurationDays uint64
}

func domainSeparator() []byte {
	return account.Keccak256(
		account.Keccak256([]byte(domainType)),
		account.Keccak256([]byte(domainName)),
		account.Keccak256([]byte(domainVersion)),
	)
}

func uint64Word(v uint64) []byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w[:]
}

func (a *Authorization) structHash() []byte {
	contracts := make([]byte, 0, len(a.Contracts)*32)
	for _, c := range a.Contracts {
		var w [32]byte
		copy(w[12:], c.Bytes())
		contracts = append(contracts, w[:]...)
	}
	return account.Keccak256(
		account.Keccak256([]byte(authType)),
		account.Keccak256(a.PublicKey),
		account.Keccak256(contracts),
		uint64Word(a.StartTimestamp),
		uint64Word(a.DurationDays),
	)
}

// Digest returns the 32-byte typed-data digest of the authorization.
func (a *Authorization) Digest() []byte {
	return account.Keccak256([]byte{0x19, 0x01}, domainSeparator(), a.structHash())
}

// SigningMessage reduces the digest into the BLS12-377 scalar field so it can
// be signed with the wallet's EdDSA key. Always 32 bytes, big endian.
func (a *Authorization) SigningMessage() []byte {
	d := new(big.Int).SetBytes(a.Digest())
	d.Mod(d, bls12377_fr.Modulus())
	msg := make([]byte, 32)
	return d.FillBytes(msg)
}

// Covers reports whether the authorization names the given contract.
func (a *Authorization) Covers(contract account.Address) bool {
	for _, c := range a.Contracts {
		if c == contract {
			return true
		}
	}
	return false
}
