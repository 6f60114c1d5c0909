// Package carddriver adapts the low-level NTAG424 APDU/PCSC layer in
// pkg/ntag424 to the narrow Driver interface the vault core depends on.
// The core (internal/executor, internal/vault) never imports pkg/ntag424
// directly — it only knows about Driver, so a test double or an
// entirely different tag family can be substituted without touching the
// executor's state machine.
package carddriver

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cardvault/cardvault/internal/vaulterr"
	"github.com/cardvault/cardvault/pkg/ntag424"
)

// Driver is the card protocol contract the rest of the vault core
// consumes. It corresponds to component C in the design (spec.md §4.C):
// an external collaborator named by interface only, with one reference
// implementation below.
type Driver interface {
	// PeekUID performs a fast, non-blocking RF presence scan. ok is false
	// when no card is in the field.
	PeekUID(ctx context.Context) (uid []byte, ok bool, err error)

	// ReadCardSecret authenticates to the card with readKey and returns
	// the 16-byte card_secret. Fails with vaulterr.ErrCardAuthFailed on a
	// wrong key.
	ReadCardSecret(ctx context.Context, readKey []byte) ([]byte, error)

	// IsInitialised reports whether the card already carries a
	// provisioned card_secret file.
	IsInitialised(ctx context.Context) (bool, error)

	// Init commissions a fresh card: creates the read key slot and writes
	// a fresh random card_secret.
	Init(ctx context.Context, readKey []byte) error

	// Format destroys the card_secret and resets the read key slot to
	// factory defaults, authenticating with the card's current read key.
	Format(ctx context.Context, currentKey []byte) error

	// FirmwareVersion reports the tag's hardware/software version string.
	FirmwareVersion(ctx context.Context) (string, error)

	// RunSelfTests checks that a card is present (the NTAG 424 driver
	// also reads its version) without mutating persistent card state. It
	// does not exercise authentication or the read/write paths.
	RunSelfTests(ctx context.Context) error
}

const (
	cardSecretFileNo  = 0x02
	cardSecretKeySlot = 0x01
	appMasterKeySlot  = 0x00
)

// NTAG424Driver implements Driver against a real or PC/SC-emulated
// NTAG424 DNA tag, reusing the teacher's secure-messaging and file-access
// primitives (pkg/ntag424) for authentication, ReadData, and ChangeKey.
type NTAG424Driver struct {
	conn *ntag424.Connection
}

// NewNTAG424Driver wraps an established PC/SC connection.
func NewNTAG424Driver(conn *ntag424.Connection) *NTAG424Driver {
	return &NTAG424Driver{conn: conn}
}

func (d *NTAG424Driver) PeekUID(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	uid, err := ntag424.GetUID(d.conn)
	if err != nil {
		return nil, false, nil //nolint:nilerr // absence of a card is not an error, it's ok=false
	}
	return uid, true, nil
}

func (d *NTAG424Driver) ReadCardSecret(ctx context.Context, readKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(readKey) != 16 {
		return nil, fmt.Errorf("carddriver: read key must be 16 bytes")
	}

	if err := ntag424.SelectNDEFApp(d.conn); err != nil {
		return nil, fmt.Errorf("carddriver: select app: %w", err)
	}

	sess, err := ntag424.AuthenticateEV2First(d.conn, readKey, cardSecretKeySlot)
	if err != nil {
		return nil, vaulterr.ErrCardAuthFailed
	}

	secret, err := ntag424.ReadFileDataSecure(d.conn, sess, cardSecretFileNo, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("carddriver: read card secret: %w", err)
	}
	if len(secret) != 16 {
		return nil, fmt.Errorf("carddriver: card secret must be 16 bytes, got %d", len(secret))
	}
	return secret, nil
}

func (d *NTAG424Driver) IsInitialised(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ntag424.SelectNDEFApp(d.conn); err != nil {
		return false, fmt.Errorf("carddriver: select app: %w", err)
	}
	zeroKey := make([]byte, 16)
	_, err := ntag424.AuthenticateEV2First(d.conn, zeroKey, cardSecretKeySlot)
	// If the factory-default (all-zero) key still authenticates on the
	// card_secret slot, the card has never been provisioned.
	return err != nil, nil
}

// Init provisions a fresh card: selects the app, changes the card_secret
// key slot away from the factory-zero key to readKey, restricts the
// card_secret file to require that key for reads, and writes a fresh
// random 16-byte card_secret.
func (d *NTAG424Driver) Init(ctx context.Context, readKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(readKey) != 16 {
		return fmt.Errorf("carddriver: read key must be 16 bytes")
	}

	if err := ntag424.SelectNDEFApp(d.conn); err != nil {
		return fmt.Errorf("carddriver: select app: %w", err)
	}

	zeroKey := make([]byte, 16)
	sess, err := ntag424.AuthenticateEV2First(d.conn, zeroKey, appMasterKeySlot)
	if err != nil {
		return fmt.Errorf("carddriver: authenticate with factory key: %w", err)
	}

	if err := ntag424.ChangeKey(d.conn, sess, cardSecretKeySlot, readKey, zeroKey, 0x01, appMasterKeySlot); err != nil {
		return fmt.Errorf("carddriver: change card_secret key: %w", err)
	}

	// Restrict file 2 (card_secret) to require the new key for both read
	// and write: AR2 = (R<<4 | W), both set to the new slot.
	ar1 := byte((cardSecretKeySlot << 4) | appMasterKeySlot)
	ar2 := byte((cardSecretKeySlot << 4) | cardSecretKeySlot)
	if err := ntag424.ChangeFileSettingsBasic(d.conn, sess, cardSecretFileNo, 0x03, ar1, ar2); err != nil {
		return fmt.Errorf("carddriver: restrict card_secret file: %w", err)
	}

	secret := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return fmt.Errorf("carddriver: generate card_secret: %w", err)
	}

	sess2, err := ntag424.AuthenticateEV2First(d.conn, readKey, cardSecretKeySlot)
	if err != nil {
		return fmt.Errorf("carddriver: re-authenticate with new key: %w", err)
	}
	if _, err := ntag424.SsmCmdFull(d.conn, sess2, 0x3D, []byte{cardSecretFileNo, 0, 0, 0, 16, 0, 0}, secret); err != nil {
		return fmt.Errorf("carddriver: write card_secret: %w", err)
	}
	return nil
}

// Format resets the card_secret key slot and file access rights to
// factory defaults, destroying the card_secret in the process. The
// caller must supply the card's current read key; the all-zero factory
// key is accepted for a never-initialised card.
func (d *NTAG424Driver) Format(ctx context.Context, currentKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(currentKey) != 16 {
		return fmt.Errorf("carddriver: current key must be 16 bytes")
	}

	if err := ntag424.SelectNDEFApp(d.conn); err != nil {
		return fmt.Errorf("carddriver: select app: %w", err)
	}

	sess, err := ntag424.AuthenticateEV2First(d.conn, currentKey, cardSecretKeySlot)
	if err != nil {
		return vaulterr.ErrCardAuthFailed
	}

	zeroKey := make([]byte, 16)
	if err := ntag424.ChangeKeySame(d.conn, sess, cardSecretKeySlot, zeroKey, 0x00); err != nil {
		return fmt.Errorf("carddriver: reset card_secret key: %w", err)
	}

	// Restore file 2 to the factory-open access rights (free read/write).
	if err := ntag424.ChangeFileSettingsBasic(d.conn, sess, cardSecretFileNo, 0x00, 0xEE, 0xEE); err != nil {
		return fmt.Errorf("carddriver: restore card_secret file settings: %w", err)
	}
	return nil
}

func (d *NTAG424Driver) FirmwareVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := ntag424.GetVersion(d.conn)
	if err != nil {
		return "", fmt.Errorf("carddriver: get version: %w", err)
	}
	return fmt.Sprintf("%d.%d", v.SWMajorVer, v.SWMinorVer), nil
}

func (d *NTAG424Driver) RunSelfTests(ctx context.Context) error {
	if _, ok, err := d.PeekUID(ctx); err != nil {
		return fmt.Errorf("carddriver: self test peek uid: %w", err)
	} else if !ok {
		return vaulterr.ErrHardware
	}
	if _, err := d.FirmwareVersion(ctx); err != nil {
		return fmt.Errorf("carddriver: self test get version: %w", err)
	}
	return nil
}
