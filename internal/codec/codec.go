// Package codec implements AEAD encryption of entry payloads under a
// per-entry key derived by internal/kdf. AAD is intentionally empty: the
// legacy wire format carries no associated data, and that must not change
// even across format revisions (spec.md §9).
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cardvault/cardvault/internal/vaulterr"
)

// Payload is the plaintext credential material. Field order is fixed so
// that JSON marshaling is deterministic: Go's encoding/json always emits
// struct fields in declaration order, which is the "canonical textual
// form" the entry codec encrypts.
type Payload struct {
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	TOTPSecret *string `json:"totpSecret"`
	Notes      *string `json:"notes"`
}

// Sealed is the output of EncryptEntry: the three columns persisted on an
// entry row.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// EncryptEntry canonicalizes payload to JSON and encrypts it under
// entryKey with AES-256-GCM and a fresh random 12-byte IV. AAD is empty.
func EncryptEntry(entryKey []byte, payload Payload) (*Sealed, error) {
	if len(entryKey) != 32 {
		return nil, fmt.Errorf("codec: entry key must be 32 bytes")
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal payload: %w", err)
	}

	block, err := aes.NewCipher(entryKey)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("codec: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	return &Sealed{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		AuthTag:    sealed[tagStart:],
	}, nil
}

// DecryptEntry reverses EncryptEntry. Any auth-tag mismatch — wrong key,
// corrupted ciphertext, tampering — surfaces as vaulterr.ErrBadCiphertext,
// never a generic crypto error.
func DecryptEntry(entryKey []byte, ciphertext, iv, authTag []byte) (*Payload, error) {
	if len(entryKey) != 32 {
		return nil, fmt.Errorf("codec: entry key must be 32 bytes")
	}
	if len(iv) != 12 {
		return nil, vaulterr.ErrBadCiphertext
	}
	if len(authTag) != 16 {
		return nil, vaulterr.ErrBadCiphertext
	}

	block, err := aes.NewCipher(entryKey)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, vaulterr.ErrBadCiphertext
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, vaulterr.ErrBadCiphertext
	}
	return &payload, nil
}
