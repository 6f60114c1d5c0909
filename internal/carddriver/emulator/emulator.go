// Package emulator is an in-memory carddriver.Driver used by tests and by
// cmd/cardctl's -emulator flag, grounded on the teacher's emulator/main.go
// (which exists for the same reason: letting API/integration flows run
// without a physical reader attached).
package emulator

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/cardvault/cardvault/internal/vaulterr"
)

// Driver is a fully in-memory stand-in for a single NTAG424 card. It is
// safe for concurrent use.
type Driver struct {
	mu sync.Mutex

	uid         []byte
	readKey     []byte
	cardSecret  []byte
	initialised bool

	// Present, when false, makes PeekUID report no card in the field —
	// used to exercise the executor's CARD_TIMEOUT path.
	Present bool
}

// New creates an emulated card with the given UID, already present in
// the field.
func New(uid []byte) *Driver {
	return &Driver{uid: uid, Present: true}
}

func (d *Driver) PeekUID(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Present {
		return nil, false, nil
	}
	uid := make([]byte, len(d.uid))
	copy(uid, d.uid)
	return uid, true, nil
}

func (d *Driver) ReadCardSecret(ctx context.Context, readKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialised {
		return nil, vaulterr.ErrCardAuthFailed
	}
	if len(readKey) != len(d.readKey) || string(readKey) != string(d.readKey) {
		return nil, vaulterr.ErrCardAuthFailed
	}
	secret := make([]byte, len(d.cardSecret))
	copy(secret, d.cardSecret)
	return secret, nil
}

func (d *Driver) IsInitialised(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialised, nil
}

func (d *Driver) Init(ctx context.Context, readKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(readKey) != 16 {
		return fmt.Errorf("emulator: read key must be 16 bytes")
	}
	secret := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.readKey = append([]byte{}, readKey...)
	d.cardSecret = secret
	d.initialised = true
	return nil
}

func (d *Driver) Format(ctx context.Context, currentKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialised {
		return nil // factory-default card, nothing to wipe
	}
	if len(currentKey) != len(d.readKey) || string(currentKey) != string(d.readKey) {
		return vaulterr.ErrCardAuthFailed
	}
	d.readKey = nil
	d.cardSecret = nil
	d.initialised = false
	return nil
}

func (d *Driver) FirmwareVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "emulator-1.0", nil
}

func (d *Driver) RunSelfTests(ctx context.Context) error {
	if _, ok, err := d.PeekUID(ctx); err != nil {
		return err
	} else if !ok {
		return vaulterr.ErrHardware
	}
	return nil
}
