// Package syncserver implements the Sync Server (spec.md §4.I): account
// and device registration, the append-only change log that backs
// last-writer-wins replication, and the envelope endpoint new devices use
// to adopt an existing vault's root key.
package syncserver

import "time"

// User is an account row. MFASecret is non-nil once TOTP verification is
// enabled for the account (enrollment itself is out of scope per
// spec.md §1; this expansion implements verification only, per
// SPEC_FULL.md §1).
type User struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	MFASecret    *string
	CreatedAt    time.Time
}

// Device is one registered device for a user.
type Device struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index;not null"`
	Name       string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// RefreshToken stores only the SHA-256 hash of the refresh token value
// (spec.md §4.I). A refresh token is single-use: a refresh revokes the
// old row before the new pair is issued; the two writes are separate
// transactions.
type RefreshToken struct {
	TokenHash string `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	DeviceID  string `gorm:"index;not null"`
	ExpiresAt time.Time
	Revoked   bool
}

// VaultItem is the server-side mirror of one entry: the row sync push
// upserts into and sync pull reads back out of.
type VaultItem struct {
	ItemID     string `gorm:"primaryKey"`
	UserID     string `gorm:"primaryKey;index"`
	Label      string
	URL        string
	Category   string
	CreatedAt  int64
	UpdatedAt  int64
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Deleted    bool
}

// SyncChange is one row of the append-only change log: the source of
// truth for replication order (spec.md §4.I). Seq is a per-row BIGSERIAL
// assigned by Postgres; pull ordering and cursor semantics are defined
// entirely in terms of it.
type SyncChange struct {
	Seq       int64 `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"index;not null"`
	ItemID    string `gorm:"not null"`
	UpdatedAt int64
	Deleted   bool
}

// KeyEnvelope is the single passphrase-wrapped root-key envelope row per
// user (spec.md §3, §4.I).
type KeyEnvelope struct {
	UserID     string `gorm:"primaryKey"`
	KeyVersion int
	KDF        string
	ParamsN    int
	ParamsR    int
	ParamsP    int
	ParamsDK   int
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
	AuthTag    []byte
}
