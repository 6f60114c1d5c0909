package syncclient

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Keyring persists the sync session (tokens, device id) encrypted at
// rest. The OS keychain is external per spec.md §1; Keyring is the
// narrow interface the rest of this package depends on, so a real OS
// keychain binding can replace FileKeyring without touching Client.
type Keyring interface {
	Save(session Session) error
	Load() (*Session, error)
	Clear() error
}

// Session is the persisted sync session.
type Session struct {
	BaseURL          string `json:"baseUrl"`
	Username         string `json:"username"`
	DeviceName       string `json:"deviceName"`
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
	UserID           string `json:"userId"`
	DeviceID         string `json:"deviceId"`
}

// FileKeyring encrypts the session JSON at rest under a local machine
// key using AES-256-GCM, grounded on GoPassKeeper's envelope-at-rest
// pattern (other_examples). It stands in for the OS keychain for local
// testing and on platforms without one wired up yet.
type FileKeyring struct {
	path       string
	machineKey []byte
}

// NewFileKeyring returns a FileKeyring writing to path, encrypting under
// machineKey (exactly 32 bytes).
func NewFileKeyring(path string, machineKey []byte) (*FileKeyring, error) {
	if len(machineKey) != 32 {
		return nil, fmt.Errorf("syncclient: machine key must be 32 bytes")
	}
	return &FileKeyring{path: path, machineKey: machineKey}, nil
}

// Save writes the encrypted session to disk, replacing any prior
// contents.
func (k *FileKeyring) Save(session Session) error {
	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("syncclient: marshal session: %w", err)
	}

	block, err := aes.NewCipher(k.machineKey)
	if err != nil {
		return fmt.Errorf("syncclient: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("syncclient: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("syncclient: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	if err := os.WriteFile(k.path, sealed, 0o600); err != nil {
		return fmt.Errorf("syncclient: write session: %w", err)
	}
	return nil
}

// Load reads and decrypts the session, returning (nil, nil) if no
// session file exists yet.
func (k *FileKeyring) Load() (*Session, error) {
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncclient: read session: %w", err)
	}

	block, err := aes.NewCipher(k.machineKey)
	if err != nil {
		return nil, fmt.Errorf("syncclient: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("syncclient: new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("syncclient: session file truncated")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decrypt session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("syncclient: parse session: %w", err)
	}
	return &session, nil
}

// Clear removes the session file.
func (k *FileKeyring) Clear() error {
	err := os.Remove(k.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("syncclient: clear session: %w", err)
	}
	return nil
}
