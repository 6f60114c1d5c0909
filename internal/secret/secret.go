// Package secret holds the process-scoped unlocked root key. cmd/vaultd
// hands the container to the Card-Gated Executor, which reads the key on
// each card-gated operation; the Vault API reaches it only through the
// executor (spec.md §9's "cyclic/shared ownership" note). It exposes a narrow initialize/clear lifecycle, never a cycle
// of direct references between those packages.
package secret

import (
	"sync"

	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

// Container is a zeroizable holder for the unlocked root key, safe for
// concurrent use. The zero value is locked (no key set).
type Container struct {
	mu      sync.RWMutex
	rootKey []byte
}

// New returns an empty, locked container.
func New() *Container {
	return &Container{}
}

// Set installs rootKey, copying it so the caller's buffer can be
// zeroized independently. RootKey must be exactly kdf.RootKeySize bytes.
func (c *Container) Set(rootKey []byte) error {
	if len(rootKey) != kdf.RootKeySize {
		return vaulterr.ErrBadPassphrase
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kdf.Zero(c.rootKey)
	c.rootKey = append([]byte{}, rootKey...)
	return nil
}

// RootKey returns a fresh copy of the unlocked root key. Implements
// executor.RootKeySource.
func (c *Container) RootKey() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rootKey == nil {
		return nil, vaulterr.ErrBadPassphrase
	}
	return append([]byte{}, c.rootKey...), nil
}

// Locked reports whether no root key is currently set.
func (c *Container) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootKey == nil
}

// Clear zeroizes and discards the held root key.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kdf.Zero(c.rootKey)
	c.rootKey = nil
}
