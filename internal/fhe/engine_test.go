package fhe

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherledger/internal/account"
)

var (
	testKeysOnce sync.Once
	testKeys     *KeySet
	testKeysErr  error
)

// testKeySet compiles the circuit and generates Groth16 keys once per test
// binary; setup over BW6-761 is too expensive to repeat per test.
func testKeySet(t *testing.T) *KeySet {
	t.Helper()
	testKeysOnce.Do(func() {
		testKeys, testKeysErr = SetupKeys()
	})
	require.NoError(t, testKeysErr)
	return testKeys
}

func testAddr(t *testing.T, s string) account.Address {
	t.Helper()
	a, err := account.HexToAddress(s)
	require.NoError(t, err)
	return a
}

func TestEngineInputLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	keys := testKeySet(t)
	engine, err := NewEngine(keys)
	require.NoError(t, err)
	rt := NewRuntime(keys, engine.PublicKey())

	contract := testAddr(t, "0x1000000000000000000000000000000000000001")
	alice := testAddr(t, "0x2000000000000000000000000000000000000002")
	bob := testAddr(t, "0x3000000000000000000000000000000000000003")

	bundle, err := rt.CreateEncryptedInput(contract, alice).Add32(1000).Encrypt()
	require.NoError(t, err)
	require.Len(t, bundle.Handles, 1)
	handle := bundle.Handles[0]

	t.Run("valid proof verifies and ingests", func(t *testing.T) {
		require.NoError(t, engine.VerifyInput(handle, bundle.InputProof, contract, alice))
		v, err := engine.Reveal(handle)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), v)
	})

	t.Run("proof bound to caller", func(t *testing.T) {
		err := engine.VerifyInput(handle, bundle.InputProof, contract, bob)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProofInvalid))
	})

	t.Run("proof bound to contract", func(t *testing.T) {
		err := engine.VerifyInput(handle, bundle.InputProof, alice, alice)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrProofInvalid))
	})

	t.Run("blob without handle rejected", func(t *testing.T) {
		var other Handle
		other[31] = 0xff
		err := engine.VerifyInput(other, bundle.InputProof, contract, alice)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedInput))
	})

	t.Run("garbage blob rejected", func(t *testing.T) {
		err := engine.VerifyInput(handle, []byte("not json"), contract, alice)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedInput))
	})
}

func TestEngineHomomorphicAdd(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	keys := testKeySet(t)
	engine, err := NewEngine(keys)
	require.NoError(t, err)
	rt := NewRuntime(keys, engine.PublicKey())

	contract := testAddr(t, "0x1000000000000000000000000000000000000001")
	alice := testAddr(t, "0x2000000000000000000000000000000000000002")

	first, err := rt.CreateEncryptedInput(contract, alice).Add32(1000).Encrypt()
	require.NoError(t, err)
	second, err := rt.CreateEncryptedInput(contract, alice).Add32(500).Encrypt()
	require.NoError(t, err)

	require.NoError(t, engine.VerifyInput(first.Handles[0], first.InputProof, contract, alice))
	require.NoError(t, engine.VerifyInput(second.Handles[0], second.InputProof, contract, alice))

	sum, err := engine.Add(first.Handles[0], second.Handles[0])
	require.NoError(t, err)
	assert.NotEqual(t, first.Handles[0], sum, "addition must mint a fresh handle")
	assert.NotEqual(t, second.Handles[0], sum)

	v, err := engine.Reveal(sum)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), v)

	t.Run("operands keep their values", func(t *testing.T) {
		v, err := engine.Reveal(first.Handles[0])
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), v)
	})

	t.Run("unknown operand", func(t *testing.T) {
		var unknown Handle
		unknown[0] = 0xaa
		_, err := engine.Add(sum, unknown)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownHandle))
	})
}

func TestEngineRevealUnknownHandle(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	engine, err := NewEngine(testKeySet(t))
	require.NoError(t, err)

	var h Handle
	h[0] = 0x01
	_, err = engine.Reveal(h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownHandle))
}

func TestOpenEngineStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "engine_state.json")

	engine, err := OpenEngine(nil, path)
	require.NoError(t, err)
	pub := engine.PublicKey()

	reopened, err := OpenEngine(nil, path)
	require.NoError(t, err)
	assert.True(t, pub.Equal(reopened.PublicKey()), "engine keypair survives restart")
}

func TestOpenEngineCiphertextsSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	keys := testKeySet(t)
	path := filepath.Join(t.TempDir(), "engine_state.json")

	engine, err := OpenEngine(keys, path)
	require.NoError(t, err)
	rt := NewRuntime(keys, engine.PublicKey())
	contract := testAddr(t, "0x1000000000000000000000000000000000000001")
	alice := testAddr(t, "0x2000000000000000000000000000000000000002")

	first, err := rt.CreateEncryptedInput(contract, alice).Add32(1000).Encrypt()
	require.NoError(t, err)
	require.NoError(t, engine.VerifyInput(first.Handles[0], first.InputProof, contract, alice))
	second, err := rt.CreateEncryptedInput(contract, alice).Add32(500).Encrypt()
	require.NoError(t, err)
	require.NoError(t, engine.VerifyInput(second.Handles[0], second.InputProof, contract, alice))
	sum, err := engine.Add(first.Handles[0], second.Handles[0])
	require.NoError(t, err)

	reopened, err := OpenEngine(keys, path)
	require.NoError(t, err)

	t.Run("restored sum reveals", func(t *testing.T) {
		v, err := reopened.Reveal(sum)
		require.NoError(t, err)
		assert.Equal(t, uint64(1500), v)
	})

	t.Run("restored handle still addable", func(t *testing.T) {
		// New inputs must encrypt to the restored engine key.
		rt2 := NewRuntime(keys, reopened.PublicKey())
		third, err := rt2.CreateEncryptedInput(contract, alice).Add32(250).Encrypt()
		require.NoError(t, err)
		require.NoError(t, reopened.VerifyInput(third.Handles[0], third.InputProof, contract, alice))
		sum2, err := reopened.Add(sum, third.Handles[0])
		require.NoError(t, err)
		v, err := reopened.Reveal(sum2)
		require.NoError(t, err)
		assert.Equal(t, uint64(1750), v)
	})
}
