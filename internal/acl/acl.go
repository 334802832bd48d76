// acl.go - Decryption authorization grants.
//
// Every successful expense submission grants decryption rights over the new
// running-total handle to the ledger contract and to the submitting account.
// Handles change on every homomorphic addition, so grants are per-handle and
// never carry forward. The gateway consults this list before revealing a
// plaintext; clients poll it to learn when a fresh grant has become visible.

package acl

import (
	"sync"

	"cipherledger/internal/account"
	"cipherledger/internal/fhe"
)

// Grant pairs a ciphertext handle with an account allowed to decrypt it.
type Grant struct {
	Handle  fhe.Handle
	Grantee account.Address
}

// List is an in-memory set of decryption grants.
type List struct {
	mu     sync.RWMutex
	grants map[fhe.Handle]map[account.Address]struct{}
}

// NewList creates an empty grant list.
func NewList() *List {
	return &List{grants: make(map[fhe.Handle]map[account.Address]struct{})}
}

// Allow grants grantee the right to decrypt handle.
func (l *List) Allow(handle fhe.Handle, grantee account.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.grants[handle]
	if !ok {
		set = make(map[account.Address]struct{})
		l.grants[handle] = set
	}
	set[grantee] = struct{}{}
}

// IsAllowed reports whether grantee may decrypt handle.
func (l *List) IsAllowed(handle fhe.Handle, grantee account.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.grants[handle]
	if !ok {
		return false
	}
	_, ok = set[grantee]
	return ok
}

// All returns every grant, in no particular order.
func (l *List) All() []Grant {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Grant, 0, len(l.grants))
	for h, set := range l.grants {
		for a := range set {
			out = append(out, Grant{Handle: h, Grantee: a})
		}
	}
	return out
}
