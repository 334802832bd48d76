package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cipherledger/internal/account"
	"cipherledger/internal/acl"
	"cipherledger/internal/fhe"
	"cipherledger/internal/gateway"
	"cipherledger/internal/ledger"
	"cipherledger/internal/wallet"
)

var (
	keysOnce sync.Once
	keySet   *fhe.KeySet
	keysErr  error
)

func testKeys(t *testing.T) *fhe.KeySet {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping circuit setup in short mode")
	}
	keysOnce.Do(func() {
		keySet, keysErr = fhe.SetupKeys()
	})
	require.NoError(t, keysErr)
	return keySet
}

type env struct {
	ts       *httptest.Server
	keys     *fhe.KeySet
	engine   *fhe.Engine
	contract account.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()
	keys := testKeys(t)
	engine, err := fhe.NewEngine(keys)
	require.NoError(t, err)

	contract, err := account.HexToAddress("0xc0de000000000000000000000000000000000001")
	require.NoError(t, err)
	grants := acl.NewList()
	l := ledger.New(contract, engine, grants, nil, zap.NewNop())
	gw := gateway.New(engine, grants)

	srv := NewServer(l, engine, gw, zap.NewNop(), 10000)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, keys: keys, engine: engine, contract: contract}
}

func (e *env) doJSON(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// submit encrypts amount for the user and posts it, returning the receipt.
func (e *env) submit(t *testing.T, user account.Address, amount uint64, category string) TxResponse {
	t.Helper()
	rt := fhe.NewRuntime(e.keys, e.engine.PublicKey())
	bundle, err := rt.CreateEncryptedInput(e.contract, user).Add32(amount).Encrypt()
	require.NoError(t, err)

	var out TxResponse
	resp := e.doJSON(t, http.MethodPost, "/v1/tx", TxRequest{
		Caller:   user.Hex(),
		Handle:   bundle.Handles[0].Hex(),
		Proof:    hex.EncodeToString(bundle.InputProof),
		Category: category,
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out
}

// decrypt runs the full authorize-and-decrypt flow for one handle.
func (e *env) decrypt(t *testing.T, w *wallet.Wallet, handle string) uint64 {
	t.Helper()
	session, err := fhe.GenerateDHKeyPair()
	require.NoError(t, err)
	sessionPub := session.Pk.Bytes()

	auth := gateway.Authorization{
		PublicKey:      sessionPub[:],
		Contracts:      []account.Address{e.contract},
		StartTimestamp: uint64(time.Now().Unix()) - 60,
		DurationDays:   10,
	}
	sig, err := w.Sign(auth.SigningMessage())
	require.NoError(t, err)

	var out DecryptWireResponse
	resp := e.doJSON(t, http.MethodPost, "/v1/decrypt", DecryptWireRequest{
		User:           w.Address().Hex(),
		UserPublicKey:  hex.EncodeToString(w.PublicKeyBytes()),
		Pairs:          []WirePair{{Handle: handle, Contract: e.contract.Hex()}},
		SessionKey:     hex.EncodeToString(sessionPub[:]),
		Contracts:      []string{e.contract.Hex()},
		StartTimestamp: auth.StartTimestamp,
		DurationDays:   auth.DurationDays,
		Signature:      hex.EncodeToString(sig),
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Values, 1)

	plain, err := decodeDecryptValue(session, out.EphemeralPub, out.Values[0])
	require.NoError(t, err)
	return plain
}

func decodeDecryptValue(session *fhe.DHKeyPair, ephHex, masked string) (uint64, error) {
	ephBytes, err := hex.DecodeString(ephHex)
	if err != nil {
		return 0, err
	}
	var eph bls12377.G1Affine
	if _, err := eph.SetBytes(ephBytes); err != nil {
		return 0, err
	}
	m, ok := new(big.Int).SetString(masked, 10)
	if !ok {
		return 0, fmt.Errorf("bad masked value %q", masked)
	}
	shared := fhe.ComputeDHShared(session.Sk, &eph)
	return fhe.UnmaskValues(shared, []*big.Int{m})[0].Uint64(), nil
}

// waitAuthorized polls the access list endpoint the way a client would.
func (e *env) waitAuthorized(t *testing.T, handle string, addr account.Address) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var out struct {
			Allowed bool `json:"allowed"`
		}
		resp := e.doJSON(t, http.MethodGet, "/v1/authorized?handle="+handle+"&account="+addr.Hex(), nil, &out)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if out.Allowed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("handle %s never authorized for %s", handle, addr.Hex())
}

func TestEndToEndExpenseFlow(t *testing.T) {
	e := newEnv(t)
	alice, err := wallet.New()
	require.NoError(t, err)
	bob, err := wallet.New()
	require.NoError(t, err)

	r1 := e.submit(t, alice.Address(), 1000, "materials")
	assert.Equal(t, uint64(0), r1.RecordIndex)
	r2 := e.submit(t, alice.Address(), 500, "labor")
	assert.Equal(t, uint64(1), r2.RecordIndex)
	r3 := e.submit(t, bob.Address(), 2000, "materials")
	assert.Equal(t, uint64(0), r3.RecordIndex)

	var aliceTotal, bobTotal struct {
		Handle string `json:"handle"`
	}
	e.doJSON(t, http.MethodGet, "/v1/accounts/"+alice.Address().Hex()+"/total", nil, &aliceTotal)
	e.doJSON(t, http.MethodGet, "/v1/accounts/"+bob.Address().Hex()+"/total", nil, &bobTotal)
	assert.Equal(t, r2.TotalHandle, aliceTotal.Handle)
	assert.NotEqual(t, aliceTotal.Handle, bobTotal.Handle)

	e.waitAuthorized(t, aliceTotal.Handle, alice.Address())
	e.waitAuthorized(t, bobTotal.Handle, bob.Address())

	assert.Equal(t, uint64(1500), e.decrypt(t, alice, aliceTotal.Handle))
	assert.Equal(t, uint64(2000), e.decrypt(t, bob, bobTotal.Handle))

	t.Run("cross-user decryption denied", func(t *testing.T) {
		session, err := fhe.GenerateDHKeyPair()
		require.NoError(t, err)
		sessionPub := session.Pk.Bytes()
		auth := gateway.Authorization{
			PublicKey:      sessionPub[:],
			Contracts:      []account.Address{e.contract},
			StartTimestamp: uint64(time.Now().Unix()) - 60,
			DurationDays:   10,
		}
		sig, err := bob.Sign(auth.SigningMessage())
		require.NoError(t, err)

		var out errorResponse
		resp := e.doJSON(t, http.MethodPost, "/v1/decrypt", DecryptWireRequest{
			User:           bob.Address().Hex(),
			UserPublicKey:  hex.EncodeToString(bob.PublicKeyBytes()),
			Pairs:          []WirePair{{Handle: aliceTotal.Handle, Contract: e.contract.Hex()}},
			SessionKey:     hex.EncodeToString(sessionPub[:]),
			Contracts:      []string{e.contract.Hex()},
			StartTimestamp: auth.StartTimestamp,
			DurationDays:   auth.DurationDays,
			Signature:      hex.EncodeToString(sig),
		}, &out)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "not_authorized", out.Error.Code)
	})

	t.Run("records and count", func(t *testing.T) {
		var count struct {
			Count uint64 `json:"count"`
		}
		e.doJSON(t, http.MethodGet, "/v1/accounts/"+alice.Address().Hex()+"/count", nil, &count)
		assert.Equal(t, uint64(2), count.Count)

		var rec ledger.Record
		resp := e.doJSON(t, http.MethodGet, "/v1/accounts/"+alice.Address().Hex()+"/records/1", nil, &rec)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "labor", rec.Category)

		resp = e.doJSON(t, http.MethodGet, "/v1/accounts/"+alice.Address().Hex()+"/records/2", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("events", func(t *testing.T) {
		var events []ledger.Event
		e.doJSON(t, http.MethodGet, "/v1/events", nil, &events)
		assert.Len(t, events, 6)
	})

	t.Run("health", func(t *testing.T) {
		var health SystemHealth
		resp := e.doJSON(t, http.MethodGet, "/healthz", nil, &health)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, Healthy, health.OverallStatus)
	})
}

func TestRestartKeepsTotalsUsable(t *testing.T) {
	keys := testKeys(t)
	dir := t.TempDir()
	enginePath := filepath.Join(dir, "engine_state.json")
	store, err := ledger.OpenStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	contract, err := account.HexToAddress("0xc0de000000000000000000000000000000000001")
	require.NoError(t, err)
	alice, err := wallet.New()
	require.NoError(t, err)
	ctx := context.Background()

	submit := func(l *ledger.Ledger, engine *fhe.Engine, amount uint64, category string) *ledger.Receipt {
		rt := fhe.NewRuntime(keys, engine.PublicKey())
		bundle, err := rt.CreateEncryptedInput(contract, alice.Address()).Add32(amount).Encrypt()
		require.NoError(t, err)
		rcpt, err := l.AddExpense(ctx, alice.Address(), bundle.Handles[0], bundle.InputProof, category)
		require.NoError(t, err)
		return rcpt
	}

	engine, err := fhe.OpenEngine(keys, enginePath)
	require.NoError(t, err)
	l := ledger.New(contract, engine, acl.NewList(), store, zap.NewNop())
	submit(l, engine, 1000, "materials")
	r2 := submit(l, engine, 500, "labor")

	// Restart: fresh engine, grants, and ledger, all rebuilt from disk.
	engine2, err := fhe.OpenEngine(keys, enginePath)
	require.NoError(t, err)
	grants2 := acl.NewList()
	l2 := ledger.New(contract, engine2, grants2, store, zap.NewNop())
	require.NoError(t, l2.LoadFromStore(ctx))

	require.Equal(t, r2.TotalHandle, l2.EncryptedMonthlyTotal(alice.Address()))
	require.True(t, engine2.Has(r2.TotalHandle), "restored engine must know the persisted total")

	t.Run("accumulation continues after restart", func(t *testing.T) {
		r3 := submit(l2, engine2, 250, "equipment")
		assert.Equal(t, uint64(2), r3.RecordIndex)
		v, err := engine2.Reveal(r3.TotalHandle)
		require.NoError(t, err)
		assert.Equal(t, uint64(1750), v)
	})

	t.Run("restored total decrypts through the gateway", func(t *testing.T) {
		total := l2.EncryptedMonthlyTotal(alice.Address())
		require.True(t, grants2.IsAllowed(total, alice.Address()), "grants rehydrated from the store")

		gw := gateway.New(engine2, grants2)
		session, err := fhe.GenerateDHKeyPair()
		require.NoError(t, err)
		sessionPub := session.Pk.Bytes()
		auth := gateway.Authorization{
			PublicKey:      sessionPub[:],
			Contracts:      []account.Address{contract},
			StartTimestamp: uint64(time.Now().Unix()) - 60,
			DurationDays:   10,
		}
		sig, err := alice.Sign(auth.SigningMessage())
		require.NoError(t, err)
		res, err := gw.Decrypt(&gateway.DecryptRequest{
			User:          alice.Address(),
			UserPublicKey: alice.PublicKeyBytes(),
			Pairs:         []gateway.HandlePair{{Handle: total, Contract: contract}},
			Auth:          auth,
			Signature:     sig,
		})
		require.NoError(t, err)
		shared := fhe.ComputeDHShared(session.Sk, res.EphemeralPub)
		assert.Equal(t, uint64(1750), fhe.UnmaskValues(shared, res.Values)[0].Uint64())
	})
}

func TestSubmitRejectsReplayedProofForOtherCaller(t *testing.T) {
	e := newEnv(t)
	alice, err := wallet.New()
	require.NoError(t, err)
	mallory, err := wallet.New()
	require.NoError(t, err)

	rt := fhe.NewRuntime(e.keys, e.engine.PublicKey())
	bundle, err := rt.CreateEncryptedInput(e.contract, alice.Address()).Add32(1000).Encrypt()
	require.NoError(t, err)

	var out errorResponse
	resp := e.doJSON(t, http.MethodPost, "/v1/tx", TxRequest{
		Caller:   mallory.Address().Hex(),
		Handle:   bundle.Handles[0].Hex(),
		Proof:    hex.EncodeToString(bundle.InputProof),
		Category: "materials",
	}, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", out.Error.Code)
}
