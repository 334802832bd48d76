// store.go - SQLite persistence for ledger state.
//
// Accounts, expense records, and decryption grants survive a node restart.
// Ciphertext contents live in the encryption engine, never here.

package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	// sqlite driver
	_ "modernc.org/sqlite"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
)

var qb = sq.StatementBuilder

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	address      TEXT PRIMARY KEY,
	total_handle TEXT NOT NULL,
	initialized  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	address  TEXT NOT NULL,
	idx      INTEGER NOT NULL,
	ts       INTEGER NOT NULL,
	category TEXT NOT NULL,
	PRIMARY KEY (address, idx)
);
CREATE TABLE IF NOT EXISTS grants (
	handle  TEXT NOT NULL,
	grantee TEXT NOT NULL,
	PRIMARY KEY (handle, grantee)
);
`

// Store persists ledger state in a SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the ledger database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func accountUpsert(addr account.Address, total fhe.Handle, initialized bool) sq.InsertBuilder {
	init := 0
	if initialized {
		init = 1
	}
	return qb.Insert("accounts").
		Columns("address", "total_handle", "initialized").
		Values(addr.Hex(), total.Hex(), init).
		Suffix("ON CONFLICT(address) DO UPDATE SET total_handle = ?, initialized = ?", total.Hex(), init)
}

func recordInsert(addr account.Address, idx uint64, rec Record) sq.InsertBuilder {
	return qb.Insert("records").
		Columns("address", "idx", "ts", "category").
		Values(addr.Hex(), idx, rec.Timestamp, rec.Category)
}

func grantInsert(handle fhe.Handle, grantee account.Address) sq.InsertBuilder {
	return qb.Insert("grants").
		Columns("handle", "grantee").
		Values(handle.Hex(), grantee.Hex()).
		Suffix("ON CONFLICT(handle, grantee) DO NOTHING")
}

// SaveAccount upserts an account's total handle and initialized flag.
func (s *Store) SaveAccount(ctx context.Context, addr account.Address, total fhe.Handle, initialized bool) error {
	_, err := accountUpsert(addr, total, initialized).RunWith(s.db).ExecContext(ctx)
	return errors.Wrap(err, "save account")
}

// AppendRecord persists one expense record at the given index.
func (s *Store) AppendRecord(ctx context.Context, addr account.Address, idx uint64, rec Record) error {
	_, err := recordInsert(addr, idx, rec).RunWith(s.db).ExecContext(ctx)
	return errors.Wrap(err, "append record")
}

// SaveGrant persists a decryption grant.
func (s *Store) SaveGrant(ctx context.Context, handle fhe.Handle, grantee account.Address) error {
	_, err := grantInsert(handle, grantee).RunWith(s.db).ExecContext(ctx)
	return errors.Wrap(err, "save grant")
}

// SaveAdd persists one accepted expense atomically: the account upsert, the
// new record, and the grants over the new total. Either every row lands or
// none do, so a reload can never see a total without its record and grants.
func (s *Store) SaveAdd(ctx context.Context, addr account.Address, total fhe.Handle, idx uint64, rec Record, grantees []account.Address) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin add")
	}
	defer tx.Rollback()

	if _, err := accountUpsert(addr, total, true).RunWith(tx).ExecContext(ctx); err != nil {
		return errors.Wrap(err, "save account")
	}
	if _, err := recordInsert(addr, idx, rec).RunWith(tx).ExecContext(ctx); err != nil {
		return errors.Wrap(err, "append record")
	}
	for _, g := range grantees {
		if _, err := grantInsert(total, g).RunWith(tx).ExecContext(ctx); err != nil {
			return errors.Wrap(err, "save grant")
		}
	}
	return errors.Wrap(tx.Commit(), "commit add")
}

// AccountRow is a persisted account row.
type AccountRow struct {
	Address     account.Address
	Total       fhe.Handle
	Initialized bool
	Records     []Record
}

// GrantRow is a persisted decryption grant.
type GrantRow struct {
	Handle  fhe.Handle
	Grantee account.Address
}

// LoadAccounts reads every account and its records, ordered by index.
func (s *Store) LoadAccounts(ctx context.Context) ([]AccountRow, error) {
	query := qb.Select("address", "total_handle", "initialized").From("accounts")
	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load accounts")
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var addrHex, totalHex string
		var init int
		if err := rows.Scan(&addrHex, &totalHex, &init); err != nil {
			return nil, errors.Wrap(err, "load accounts")
		}
		addr, err := account.HexToAddress(addrHex)
		if err != nil {
			return nil, errors.Wrap(err, "load accounts")
		}
		total, err := fhe.ParseHandle(totalHex)
		if err != nil {
			return nil, errors.Wrap(err, "load accounts")
		}
		out = append(out, AccountRow{Address: addr, Total: total, Initialized: init != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load accounts")
	}

	for i := range out {
		recs, err := s.loadRecords(ctx, out[i].Address)
		if err != nil {
			return nil, err
		}
		out[i].Records = recs
	}
	return out, nil
}

func (s *Store) loadRecords(ctx context.Context, addr account.Address) ([]Record, error) {
	query := qb.Select("ts", "category").
		From("records").
		Where(sq.Eq{"address": addr.Hex()}).
		OrderBy("idx ASC")

	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load records")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Timestamp, &r.Category); err != nil {
			return nil, errors.Wrap(err, "load records")
		}
		recs = append(recs, r)
	}
	return recs, errors.Wrap(rows.Err(), "load records")
}

// LoadGrants reads every persisted decryption grant.
func (s *Store) LoadGrants(ctx context.Context) ([]GrantRow, error) {
	query := qb.Select("handle", "grantee").From("grants")
	rows, err := query.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load grants")
	}
	defer rows.Close()

	var out []GrantRow
	for rows.Next() {
		var handleHex, granteeHex string
		if err := rows.Scan(&handleHex, &granteeHex); err != nil {
			return nil, errors.Wrap(err, "load grants")
		}
		handle, err := fhe.ParseHandle(handleHex)
		if err != nil {
			return nil, errors.Wrap(err, "load grants")
		}
		grantee, err := account.HexToAddress(granteeHex)
		if err != nil {
			return nil, errors.Wrap(err, "load grants")
		}
		out = append(out, GrantRow{Handle: handle, Grantee: grantee})
	}
	return out, errors.Wrap(rows.Err(), "load grants")
}
