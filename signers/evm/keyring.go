package evm

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// KeyRing maps accounts to their signers.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[common.Address]*Signer
}

// NewKeyRing creates a key ring holding signers.
func NewKeyRing(signers ...*Signer) *KeyRing {
	k := &KeyRing{signers: make(map[common.Address]*Signer)}
	for _, s := range signers {
		k.Add(s)
	}
	return k
}

// Add registers a signer under its address
func (k *KeyRing) Add(s *Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.Address()] = s
}

// Get returns the signer for addr
func (k *KeyRing) Get(addr common.Address) (*Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[addr]
	return s, ok
}

// Addresses lists the accounts held
func (k *KeyRing) Addresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, 0, len(k.signers))
	for addr := range k.signers {
		out = append(out, addr)
	}
	return out
}
