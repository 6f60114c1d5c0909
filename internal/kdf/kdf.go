// Package kdf derives every key used by the vault core from the root key:
// the per-card DESFire read key, the per-entry AES-GCM key, and the
// passphrase-wrapped envelope that lets a new device adopt the root key.
// The card and entry keys are derived with HKDF-SHA-256 and a distinct
// info label per use, so a key derived for one purpose can never be
// replayed for another; the envelope's wrapping key is derived from the
// passphrase with scrypt.
package kdf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/cardvault/cardvault/internal/vaulterr"
)

const (
	// RootKeySize is the length in bytes of the vault's root key.
	RootKeySize = 32

	// opReadCardSecret tags HKDF info for deriving the DESFire application
	// read key used to fetch the card's resident secret. A distinct
	// operation byte forbids cross-use with any future card operation.
	opReadCardSecret byte = 0x02
)

// DeriveCardKey derives the 16-byte DESFire application read key used to
// authenticate to a specific card's card_secret file.
//
// info = "card-key" || operation(1) || uidBytes
func DeriveCardKey(rootKey, uid []byte) ([]byte, error) {
	if len(rootKey) != RootKeySize {
		return nil, fmt.Errorf("kdf: root key must be %d bytes", RootKeySize)
	}
	info := make([]byte, 0, len("card-key")+1+len(uid))
	info = append(info, []byte("card-key")...)
	info = append(info, opReadCardSecret)
	info = append(info, uid...)

	out := make([]byte, 16)
	r := hkdf.New(sha256.New, rootKey, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf: derive card key: %w", err)
	}
	return out, nil
}

// DeriveEntryKey derives the 32-byte AES-256-GCM key used to encrypt one
// entry's payload. Because entryID is fresh per row, every entry has an
// independent key even when read from the same card.
//
// IKM = cardSecret; info = "entry-key" || rootKey || entryID
func DeriveEntryKey(cardSecret, rootKey []byte, entryID string) ([]byte, error) {
	if len(cardSecret) != 16 {
		return nil, errors.New("kdf: card secret must be 16 bytes")
	}
	if len(rootKey) != RootKeySize {
		return nil, fmt.Errorf("kdf: root key must be %d bytes", RootKeySize)
	}
	if entryID == "" {
		return nil, errors.New("kdf: entry id required")
	}

	info := make([]byte, 0, len("entry-key")+len(rootKey)+len(entryID))
	info = append(info, []byte("entry-key")...)
	info = append(info, rootKey...)
	info = append(info, []byte(entryID)...)

	out := make([]byte, 32)
	r := hkdf.New(sha256.New, cardSecret, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf: derive entry key: %w", err)
	}
	return out, nil
}

// ScryptParams mirrors the envelope's kdfParams field.
type ScryptParams struct {
	N     int
	R     int
	P     int
	DKLen int
}

// DefaultScryptParams are the parameters used when sealing a fresh
// envelope. They sit comfortably inside the bounds spec.md requires
// (16384 <= N <= 2^20, 1 <= r <= 32, 1 <= p <= 16, 32 <= dkLen <= 64).
var DefaultScryptParams = ScryptParams{N: 32768, R: 8, P: 1, DKLen: 32}

func (p ScryptParams) validate() error {
	if p.N < 16384 || p.N > 1<<20 {
		return errors.New("kdf: N out of range")
	}
	if p.R < 1 || p.R > 32 {
		return errors.New("kdf: r out of range")
	}
	if p.P < 1 || p.P > 16 {
		return errors.New("kdf: p out of range")
	}
	if p.DKLen < 32 || p.DKLen > 64 {
		return errors.New("kdf: dkLen out of range")
	}
	return nil
}

// Envelope is the passphrase-wrapped container holding the root key.
type Envelope struct {
	KeyVersion int
	KDF        string
	Params     ScryptParams
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
	AuthTag    []byte
}

const envelopeKDFName = "scrypt-v1"

// minPassphraseLen enforces spec.md §8's boundary: passphrases under 10
// characters are rejected before any KDF work is done.
const minPassphraseLen = 10

// SealEnvelope wraps rootKey under passphrase using scrypt to derive a
// 32-byte wrap key, then AES-256-GCM with a fresh 12-byte nonce. The GCM
// auth tag is stored alongside the ciphertext, not appended to it, so
// AuthTag is always exactly 16 bytes.
func SealEnvelope(passphrase string, rootKey []byte) (*Envelope, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, vaulterr.ErrBadPassphrase
	}
	if len(rootKey) != RootKeySize {
		return nil, fmt.Errorf("kdf: root key must be %d bytes", RootKeySize)
	}

	params := DefaultScryptParams
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("kdf: generate salt: %w", err)
	}

	wrapKey, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, params.DKLen)
	if err != nil {
		return nil, fmt.Errorf("kdf: scrypt: %w", err)
	}

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("kdf: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kdf: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kdf: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, rootKey, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagStart]
	authTag := sealed[tagStart:]

	return &Envelope{
		KeyVersion: 1,
		KDF:        envelopeKDFName,
		Params:     params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		AuthTag:    authTag,
	}, nil
}

// OpenEnvelope reverses SealEnvelope, returning the 32-byte root key.
// A wrong passphrase or a tampered envelope surfaces as ErrBadPassphrase,
// never a generic crypto error.
func OpenEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, vaulterr.ErrBadPassphrase
	}
	if env == nil {
		return nil, vaulterr.ErrBadPassphrase
	}
	if len(env.AuthTag) != 16 {
		return nil, vaulterr.ErrBadPassphrase
	}
	if len(env.Nonce) != 12 {
		return nil, vaulterr.ErrBadPassphrase
	}
	if len(env.Ciphertext) == 0 {
		return nil, vaulterr.ErrBadPassphrase
	}
	if len(env.Salt) < 16 {
		return nil, vaulterr.ErrBadPassphrase
	}
	if env.KDF != envelopeKDFName {
		return nil, vaulterr.ErrBadPassphrase
	}
	if err := env.Params.validate(); err != nil {
		return nil, vaulterr.ErrBadPassphrase
	}

	wrapKey, err := scrypt.Key([]byte(passphrase), env.Salt, env.Params.N, env.Params.R, env.Params.P, env.Params.DKLen)
	if err != nil {
		return nil, vaulterr.ErrBadPassphrase
	}

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, vaulterr.ErrBadPassphrase
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, vaulterr.ErrBadPassphrase
	}

	sealed := append(append([]byte{}, env.Ciphertext...), env.AuthTag...)
	rootKey, err := gcm.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, vaulterr.ErrBadPassphrase
	}
	if len(rootKey) != RootKeySize {
		return nil, vaulterr.ErrBadPassphrase
	}
	return rootKey, nil
}

// Zero overwrites b with zeros in place. Used on every exit path that
// handles key material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
