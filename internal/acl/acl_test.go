package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
)

func TestGrants(t *testing.T) {
	alice, err := account.HexToAddress("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	bob, err := account.HexToAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, err)

	var h1, h2 fhe.Handle
	h1[0] = 1
	h2[0] = 2

	l := NewList()
	assert.False(t, l.IsAllowed(h1, alice), "no grant before Allow")

	l.Allow(h1, alice)
	assert.True(t, l.IsAllowed(h1, alice))
	assert.False(t, l.IsAllowed(h1, bob), "grants are per account")
	assert.False(t, l.IsAllowed(h2, alice), "grants are per handle and do not carry forward")

	l.Allow(h1, bob)
	l.Allow(h2, alice)
	assert.Len(t, l.All(), 3)
}
