// Package client orchestrates the user-facing expense flows: encrypting and
// submitting an expense, and authorizing decryption of the running total.
package client

import (
	"context"
	"math"
	"math/big"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"go.uber.org/zap"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
	"cipherledger/internal/gateway"
	"cipherledger/internal/ledger"
	"cipherledger/internal/wallet"
)

// Categories an expense may be filed under.
var Categories = []string{"materials", "labor", "equipment", "transportation", "utilities", "other"}

// ContractInfo describes the ledger the backend talks to.
type ContractInfo struct {
	Contract  account.Address
	EnginePub *bls12377.G1Affine
}

// Receipt confirms an accepted submission.
type Receipt struct {
	TxID        string
	Timestamp   int64
	RecordIndex uint64
	TotalHandle fhe.Handle
}

// Backend is the node the orchestrator talks to.
type Backend interface {
	ContractInfo(ctx context.Context) (*ContractInfo, error)
	SubmitExpense(ctx context.Context, caller account.Address, handle fhe.Handle, proof []byte, category string) (*Receipt, error)
	EncryptedTotal(ctx context.Context, user account.Address) (fhe.Handle, error)
	RecordCount(ctx context.Context, user account.Address) (uint64, error)
	Records(ctx context.Context, user account.Address) ([]ledger.Record, error)
	HasInitialized(ctx context.Context, user account.Address) (bool, error)
	IsAuthorized(ctx context.Context, handle fhe.Handle, user account.Address) (bool, error)
	UserDecrypt(ctx context.Context, req *gateway.DecryptRequest) (*gateway.DecryptResult, error)
}

// Options tunes the orchestrator.
type Options struct {
	// Contract is the configured ledger contract address. When set, the
	// node-reported contract must match it.
	Contract account.Address
	// PollEvery is the interval between authorization checks after a
	// submission.
	PollEvery time.Duration
	// PollTimeout bounds how long a submission waits for the fresh total's
	// decryption grant to appear.
	PollTimeout time.Duration
	// AuthDurationDays is the validity window requested for decryption
	// authorizations.
	AuthDurationDays uint64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollEvery <= 0 {
		out.PollEvery = 500 * time.Millisecond
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 30 * time.Second
	}
	if out.AuthDurationDays == 0 {
		out.AuthDurationDays = gateway.MaxDurationDays
	}
	return out
}

// Orchestrator drives the two user flows against a backend.
type Orchestrator struct {
	backend Backend
	wallet  *wallet.Wallet
	keys    *fhe.KeySet
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

func New(backend Backend, w *wallet.Wallet, keys *fhe.KeySet, opts Options, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		backend: backend,
		wallet:  w,
		keys:    keys,
		opts:    opts.withDefaults(),
		log:     log,
		now:     time.Now,
	}
}

// SubmitResult reports an accepted expense plus any non-fatal notices
// gathered along the way.
type SubmitResult struct {
	Receipt     Receipt
	TotalHandle fhe.Handle
	RecordCount uint64
	Notices     []string
}

// SubmitExpense encrypts amount, proves it well formed, submits it, and waits
// for the decryption grant over the fresh running total. Post-submission
// refresh failures degrade to notices rather than failing the submission.
func (o *Orchestrator) SubmitExpense(ctx context.Context, amount uint64, category string) (*SubmitResult, error) {
	if o.wallet == nil {
		return nil, E(KindPrecondition, "no wallet connected", nil)
	}
	if amount == 0 {
		return nil, E(KindValidation, "amount must be positive", nil)
	}
	if amount > math.MaxUint32 {
		return nil, E(KindValidation, "amount exceeds 32 bits", nil)
	}
	if !validCategory(category) {
		return nil, E(KindValidation, "unknown category "+category, nil)
	}

	info, err := o.contractInfo(ctx)
	if err != nil {
		return nil, err
	}

	user := o.wallet.Address()
	rt := fhe.NewRuntime(o.keys, info.EnginePub)
	bundle, err := rt.CreateEncryptedInput(info.Contract, user).Add32(amount).Encrypt()
	if err != nil {
		return nil, E(KindRuntime, "encrypt expense", err)
	}

	rcpt, err := o.backend.SubmitExpense(ctx, user, bundle.Handles[0], bundle.InputProof, category)
	if err != nil {
		return nil, err
	}
	o.log.Info("expense submitted",
		zap.String("tx_id", rcpt.TxID),
		zap.Uint64("record_index", rcpt.RecordIndex))

	res := &SubmitResult{Receipt: *rcpt, TotalHandle: rcpt.TotalHandle}
	if err := o.waitAuthorized(ctx, rcpt.TotalHandle, user); err != nil {
		res.Notices = append(res.Notices, "decryption grant for the new total is still settling; totals may lag")
	}
	count, err := o.backend.RecordCount(ctx, user)
	if err != nil {
		res.Notices = append(res.Notices, "could not refresh record count")
	} else {
		res.RecordCount = count
	}
	return res, nil
}

// contractInfo fetches ledger details and checks them against the configured
// contract address.
func (o *Orchestrator) contractInfo(ctx context.Context) (*ContractInfo, error) {
	info, err := o.backend.ContractInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.Contract.IsZero() {
		return nil, E(KindPrecondition, "ledger contract is not deployed", nil)
	}
	if !o.opts.Contract.IsZero() && info.Contract != o.opts.Contract {
		return nil, E(KindConfig,
			"node serves contract "+info.Contract.Hex()+" but CONTRACT_ADDRESS is "+o.opts.Contract.Hex(), nil)
	}
	return info, nil
}

// waitAuthorized polls the access list until the grant for handle appears.
func (o *Orchestrator) waitAuthorized(ctx context.Context, handle fhe.Handle, user account.Address) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(o.opts.PollEvery)
	defer ticker.Stop()
	for {
		ok, err := o.backend.IsAuthorized(ctx, handle, user)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DecryptResult is a decrypted running total.
type DecryptResult struct {
	Value   uint64
	Notices []string
}

// DecryptTotal authorizes and decrypts the caller's encrypted running total.
// A user who has never submitted an expense fails the precondition check
// before the gateway is ever contacted.
func (o *Orchestrator) DecryptTotal(ctx context.Context) (*DecryptResult, error) {
	if o.wallet == nil {
		return nil, E(KindPrecondition, "no wallet connected", nil)
	}
	user := o.wallet.Address()

	info, err := o.contractInfo(ctx)
	if err != nil {
		return nil, err
	}
	initialized, err := o.backend.HasInitialized(ctx, user)
	if err != nil {
		return nil, err
	}
	if !initialized {
		return nil, E(KindPrecondition, "no expenses recorded yet; add an expense first", nil)
	}
	total, err := o.backend.EncryptedTotal(ctx, user)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return nil, E(KindPrecondition, "no expenses recorded yet; add an expense first", nil)
	}

	ok, err := o.backend.IsAuthorized(ctx, total, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, E(KindAuthorization, "not yet authorized to decrypt the current total; retry shortly", nil)
	}

	// A fresh session key per decryption. Key generation failure aborts the
	// flow rather than falling back to a predictable key.
	session, err := fhe.GenerateDHKeyPair()
	if err != nil {
		return nil, E(KindRuntime, "generate session keypair", err)
	}
	sessionPub := session.Pk.Bytes()
	auth := gateway.Authorization{
		PublicKey:      sessionPub[:],
		Contracts:      []account.Address{info.Contract},
		StartTimestamp: uint64(o.now().Unix()),
		DurationDays:   o.opts.AuthDurationDays,
	}
	sig, err := o.wallet.Sign(auth.SigningMessage())
	if err != nil {
		return nil, E(KindRuntime, "sign authorization", err)
	}

	res, err := o.backend.UserDecrypt(ctx, &gateway.DecryptRequest{
		User:          user,
		UserPublicKey: o.wallet.PublicKeyBytes(),
		Pairs:         []gateway.HandlePair{{Handle: total, Contract: info.Contract}},
		Auth:          auth,
		Signature:     sig,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Values) != 1 {
		return nil, E(KindRuntime, "unexpected decryption result shape", nil)
	}

	shared := fhe.ComputeDHShared(session.Sk, res.EphemeralPub)
	plain := fhe.UnmaskValues(shared, res.Values)[0]
	if plain.Cmp(new(big.Int).SetUint64(math.MaxUint32)) > 0 {
		return nil, E(KindRuntime, "decrypted total out of range", nil)
	}
	return &DecryptResult{Value: plain.Uint64()}, nil
}

// Records returns the caller's plaintext expense records.
func (o *Orchestrator) Records(ctx context.Context) ([]ledger.Record, error) {
	if o.wallet == nil {
		return nil, E(KindPrecondition, "no wallet connected", nil)
	}
	return o.backend.Records(ctx, o.wallet.Address())
}

func validCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
