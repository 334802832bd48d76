// ledger.go - The confidential expense ledger contract.
//
// Per-account state is an encrypted running total, an initialized flag, and
// an append-only list of plaintext expense records (timestamp, category).
// Amounts are only ever handled as ciphertext handles: a submission is
// verified by the encryption engine and folded into the running total with a
// homomorphic addition, never decrypted here.
//
// Submissions are serialized under a single mutex, so two adds from the same
// account cannot interleave and accumulation is race-free.

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cipherledger/internal/account"
	"cipherledger/internal/acl"
	"cipherledger/internal/fhe"
)

// ErrRecordOutOfRange is returned when a record index is >= the record count.
var ErrRecordOutOfRange = errors.New("expense record index out of range")

// Record is one plaintext expense record. The amount itself is never stored
// here; it lives only inside the encrypted running total.
type Record struct {
	Timestamp int64  `json:"timestamp"`
	Category  string `json:"category"`
}

// Engine is the slice of the encryption engine the ledger needs.
type Engine interface {
	VerifyInput(handle fhe.Handle, proofBlob []byte, contract, user account.Address) error
	Add(a, b fhe.Handle) (fhe.Handle, error)
}

// Receipt confirms a successful expense submission.
type Receipt struct {
	TxID        string     `json:"tx_id"`
	Timestamp   int64      `json:"timestamp"`
	RecordIndex uint64     `json:"record_index"`
	TotalHandle fhe.Handle `json:"-"`
}

type accountState struct {
	total       fhe.Handle
	initialized bool
	records     []Record
}

// Ledger is the on-chain contract analog.
type Ledger struct {
	mu       sync.Mutex
	contract account.Address
	engine   Engine
	grants   *acl.List
	store    *Store // nil disables persistence
	events   *Feed
	log      *zap.Logger
	now      func() time.Time
	accounts map[account.Address]*accountState
}

// New creates a ledger deployed at the given contract address. store may be
// nil for a purely in-memory ledger.
func New(contract account.Address, engine Engine, grants *acl.List, store *Store, log *zap.Logger) *Ledger {
	return &Ledger{
		contract: contract,
		engine:   engine,
		grants:   grants,
		store:    store,
		events:   NewFeed(),
		log:      log,
		now:      time.Now,
		accounts: make(map[account.Address]*accountState),
	}
}

// Contract returns the ledger's deployed contract address.
func (l *Ledger) Contract() account.Address { return l.contract }

// Events returns the ledger's event feed.
func (l *Ledger) Events() *Feed { return l.events }

// Grants returns the ledger's decryption grant list.
func (l *Ledger) Grants() *acl.List { return l.grants }

// LoadFromStore hydrates in-memory state and the grant list from the
// persistent store. Call once before serving.
func (l *Ledger) LoadFromStore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	rows, err := l.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	grantRows, err := l.store.LoadGrants(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range rows {
		l.accounts[row.Address] = &accountState{
			total:       row.Total,
			initialized: row.Initialized,
			records:     row.Records,
		}
	}
	for _, g := range grantRows {
		l.grants.Allow(g.Handle, g.Grantee)
	}
	l.log.Info("ledger state loaded",
		zap.Int("accounts", len(rows)),
		zap.Int("grants", len(grantRows)))
	return nil
}

// AddExpense verifies the encrypted amount's validity proof against the
// caller and this contract, folds it into the caller's encrypted running
// total, appends a record, and grants decryption rights over the new total
// to the contract and the caller. The whole operation fails if the proof
// does not verify. The category is recorded as supplied; it is the caller's
// job to validate it.
func (l *Ledger) AddExpense(ctx context.Context, caller account.Address, handle fhe.Handle, proof []byte, category string) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.engine.VerifyInput(handle, proof, l.contract, caller); err != nil {
		return nil, err
	}

	st := l.accounts[caller]
	if st == nil {
		st = &accountState{}
	}

	var newTotal fhe.Handle
	if !st.initialized {
		newTotal = handle
	} else {
		sum, err := l.engine.Add(st.total, handle)
		if err != nil {
			return nil, errors.Wrap(err, "homomorphic add")
		}
		newTotal = sum
	}

	ts := l.now().Unix()
	rec := Record{Timestamp: ts, Category: category}
	idx := uint64(len(st.records))

	// Persist before committing, so a storage failure leaves the visible
	// ledger state untouched. The write is a single transaction: a reload
	// can never see a total with a missing record or grant.
	if l.store != nil {
		grantees := []account.Address{l.contract, caller}
		if err := l.store.SaveAdd(ctx, caller, newTotal, idx, rec, grantees); err != nil {
			return nil, err
		}
	}

	st.total = newTotal
	st.initialized = true
	st.records = append(st.records, rec)
	l.accounts[caller] = st

	// The total is a fresh handle after every addition, so re-grant to both
	// the contract and the caller each time.
	l.grants.Allow(newTotal, l.contract)
	l.grants.Allow(newTotal, caller)

	l.events.Append(Event{Type: EventExpenseAdded, Account: caller.Hex(), Timestamp: ts, Category: category})
	l.events.Append(Event{Type: EventMonthlyTotalUpdated, Account: caller.Hex(), Timestamp: ts})

	receipt := &Receipt{
		TxID:        uuid.NewString(),
		Timestamp:   ts,
		RecordIndex: idx,
		TotalHandle: newTotal,
	}
	l.log.Info("expense added",
		zap.String("tx_id", receipt.TxID),
		zap.String("account", caller.Hex()),
		zap.String("category", category),
		zap.Uint64("record_index", idx))
	return receipt, nil
}

// EncryptedMonthlyTotal returns the handle of the account's encrypted
// running total, or the zero sentinel for uninitialized accounts.
func (l *Ledger) EncryptedMonthlyTotal(user account.Address) fhe.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.accounts[user]
	if st == nil || !st.initialized {
		return fhe.ZeroHandle
	}
	return st.total
}

// HasInitialized reports whether the account has ever added an expense.
func (l *Ledger) HasInitialized(user account.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.accounts[user]
	return st != nil && st.initialized
}

// ExpenseRecordCount returns the number of records for the account.
func (l *Ledger) ExpenseRecordCount(user account.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.accounts[user]
	if st == nil {
		return 0
	}
	return uint64(len(st.records))
}

// ExpenseRecord returns the record at index, failing for out-of-range
// indexes.
func (l *Ledger) ExpenseRecord(user account.Address, index uint64) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.accounts[user]
	if st == nil || index >= uint64(len(st.records)) {
		return Record{}, errors.Wrapf(ErrRecordOutOfRange, "index %d", index)
	}
	return st.records[index], nil
}

// Records returns a copy of the account's full record list, in submission
// order.
func (l *Ledger) Records(user account.Address) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.accounts[user]
	if st == nil {
		return nil
	}
	out := make([]Record, len(st.records))
	copy(out, st.records)
	return out
}
