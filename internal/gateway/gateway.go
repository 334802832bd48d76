// Package gateway mediates decryption of ciphertext handles. It checks a
// signed authorization and the ledger's access list before asking the engine
// to reveal anything, and re-encrypts results to the requester's session key.
package gateway

import (
	"math/big"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/pkg/errors"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
	"cipherledger/internal/wallet"
)

var (
	// ErrNotAuthorized is returned when a handle has no decryption grant for
	// the requesting account, or the authorization does not cover the
	// handle's contract.
	ErrNotAuthorized = errors.New("account is not authorized to decrypt handle")
	// ErrBadSignature is returned when the authorization signature does not
	// verify against the requester's identity key.
	ErrBadSignature = errors.New("authorization signature invalid")
	// ErrAuthorizationExpired is returned when the request falls outside the
	// authorization's validity window.
	ErrAuthorizationExpired = errors.New("authorization window expired or not started")
)

// MaxDurationDays caps how long an authorization may remain valid.
const MaxDurationDays = 10

// Revealer reveals plaintext values behind ciphertext handles.
type Revealer interface {
	Reveal(h fhe.Handle) (uint64, error)
}

// Authorizer answers whether an account holds a decryption grant.
type Authorizer interface {
	IsAllowed(h fhe.Handle, grantee account.Address) bool
}

// HandlePair names a handle together with the contract that produced it.
type HandlePair struct {
	Handle   fhe.Handle      `json:"handle"`
	Contract account.Address `json:"contract"`
}

// DecryptRequest asks the gateway to decrypt one or more handles under a
// signed authorization.
type DecryptRequest struct {
	User          account.Address
	UserPublicKey []byte
	Pairs         []HandlePair
	Auth          Authorization
	Signature     []byte
}

// DecryptResult carries re-encrypted plaintexts. Values is in request pair
// order; each entry is masked under the shared secret of EphemeralPub and the
// session key named in the authorization.
type DecryptResult struct {
	EphemeralPub *bls12377.G1Affine
	Values       []*big.Int
}

// Gateway verifies decryption requests against the access list.
type Gateway struct {
	engine Revealer
	acl    Authorizer
	now    func() time.Time
}

func New(engine Revealer, acl Authorizer) *Gateway {
	return &Gateway{engine: engine, acl: acl, now: time.Now}
}

// Decrypt verifies the authorization and every requested pair, reveals the
// values, and re-encrypts them to the session key. Any failing check rejects
// the whole request.
func (g *Gateway) Decrypt(req *DecryptRequest) (*DecryptResult, error) {
	if err := g.checkWindow(&req.Auth); err != nil {
		return nil, err
	}
	if err := g.checkSignature(req); err != nil {
		return nil, err
	}
	for _, p := range req.Pairs {
		if !req.Auth.Covers(p.Contract) {
			return nil, errors.Wrapf(ErrNotAuthorized, "contract %s not in authorization", p.Contract.Hex())
		}
		if !g.acl.IsAllowed(p.Handle, req.User) {
			return nil, errors.Wrapf(ErrNotAuthorized, "handle %s", p.Handle.Hex())
		}
	}

	values := make([]*big.Int, len(req.Pairs))
	for i, p := range req.Pairs {
		v, err := g.engine.Reveal(p.Handle)
		if err != nil {
			return nil, errors.Wrapf(err, "reveal %s", p.Handle.Hex())
		}
		values[i] = new(big.Int).SetUint64(v)
	}
	return reencrypt(req.Auth.PublicKey, values)
}

func (g *Gateway) checkWindow(auth *Authorization) error {
	if auth.DurationDays == 0 || auth.DurationDays > MaxDurationDays {
		return errors.Wrapf(ErrAuthorizationExpired, "duration %d days", auth.DurationDays)
	}
	now := uint64(g.now().Unix())
	end := auth.StartTimestamp + auth.DurationDays*86400
	if now < auth.StartTimestamp || now >= end {
		return errors.Wrapf(ErrAuthorizationExpired, "now %d outside [%d, %d)", now, auth.StartTimestamp, end)
	}
	return nil
}

func (g *Gateway) checkSignature(req *DecryptRequest) error {
	if account.FromPublicKey(req.UserPublicKey) != req.User {
		return errors.Wrap(ErrBadSignature, "public key does not match account")
	}
	ok, err := wallet.VerifySignature(req.UserPublicKey, req.Auth.SigningMessage(), req.Signature)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

func reencrypt(sessionPub []byte, values []*big.Int) (*DecryptResult, error) {
	var pk bls12377.G1Affine
	if _, err := pk.SetBytes(sessionPub); err != nil {
		return nil, errors.Wrap(err, "decode session public key")
	}
	eph, err := fhe.GenerateDHKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "ephemeral keypair")
	}
	shared := fhe.ComputeDHShared(eph.Sk, &pk)
	return &DecryptResult{
		EphemeralPub: eph.Pk,
		Values:       fhe.MaskValues(shared, values),
	}, nil
}
