// Package vault implements the Vault API (spec.md §4.F): the seven
// operations exposed to the host app/extension, built on top of the
// local store, the card-gated executor, the entry codec, and key
// derivation.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cardvault/cardvault/internal/codec"
	"github.com/cardvault/cardvault/internal/executor"
	"github.com/cardvault/cardvault/internal/store"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

// EntryMeta is the metadata-only view returned by ListEntries.
type EntryMeta struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	URL       string `json:"url"`
	Category  string `json:"category"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// CreateEntryInput is the plaintext payload plus metadata needed to
// create a new entry.
type CreateEntryInput struct {
	Label    string
	URL      string
	Category string
	codec.Payload
}

// UpdateEntryInput mirrors CreateEntryInput for an existing id.
type UpdateEntryInput struct {
	Label    string
	URL      string
	Category string
	codec.Payload
}

// nowMillis is overridable in tests; production code leaves it as
// time.Now, consistent with the store layer stamping updatedAt itself
// only through values this package supplies.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Vault is the Vault API surface.
type Vault struct {
	store *store.Store
	exec  *executor.Executor
}

// New constructs a Vault bound to a local store and the card-gated
// executor used for every card-required operation.
func New(s *store.Store, exec *executor.Executor) *Vault {
	return &Vault{store: s, exec: exec}
}

// ListEntries returns metadata-only rows, never requiring a card tap.
func (v *Vault) ListEntries(ctx context.Context, limit, offset int, query string) ([]EntryMeta, error) {
	rows, err := v.store.ListEntries(ctx, limit, offset, query)
	if err != nil {
		return nil, err
	}
	out := make([]EntryMeta, 0, len(rows))
	for _, r := range rows {
		out = append(out, EntryMeta{
			ID: r.ID, Label: r.Label, URL: r.URL, Category: r.Category,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

// GetEntry reads and decrypts one entry, requiring a card tap.
func (v *Vault) GetEntry(ctx context.Context, id string) (*codec.Payload, error) {
	row, err := v.store.GetEntryRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, vaulterr.ErrNotFound
	}

	result, err := v.exec.WithEntryKey(ctx, id, func(entryKey []byte) (any, error) {
		return codec.DecryptEntry(entryKey, row.Ciphertext, row.IV, row.AuthTag)
	})
	if err != nil {
		return nil, err
	}
	return result.(*codec.Payload), nil
}

// CreateEntry pre-allocates the entry's UUID before the card tap: the
// entry key derivation binds the id, so the id must be decided first
// (spec.md §4.F).
func (v *Vault) CreateEntry(ctx context.Context, in CreateEntryInput) (string, error) {
	id := uuid.NewString()
	now := nowMillis()

	result, err := v.exec.WithEntryKey(ctx, id, func(entryKey []byte) (any, error) {
		return codec.EncryptEntry(entryKey, in.Payload)
	})
	if err != nil {
		return "", err
	}
	sealed := result.(*codec.Sealed)

	entry := store.Entry{
		ID: id, Label: in.Label, URL: in.URL, Category: in.Category,
		CreatedAt: now, UpdatedAt: now,
		Ciphertext: sealed.Ciphertext, IV: sealed.IV, AuthTag: sealed.AuthTag,
	}
	if err := v.store.InsertEntry(ctx, entry); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateEntry requires the row to exist, encrypts the new payload under
// a freshly derived entry key (bound to the same id), and updates the
// row and its outbox record atomically.
func (v *Vault) UpdateEntry(ctx context.Context, id string, in UpdateEntryInput) error {
	existing, err := v.store.GetEntryRow(ctx, id)
	if err != nil {
		return err
	}
	if existing.Deleted {
		return vaulterr.ErrNotFound
	}

	result, err := v.exec.WithEntryKey(ctx, id, func(entryKey []byte) (any, error) {
		return codec.EncryptEntry(entryKey, in.Payload)
	})
	if err != nil {
		return err
	}
	sealed := result.(*codec.Sealed)

	now := nowMillis()
	err = v.store.UpdateEntry(ctx, id, in.Label, in.URL, in.Category, sealed.Ciphertext, sealed.IV, sealed.AuthTag, now)
	if err == vaulterr.ErrNotFound {
		// The row vanished between our existence check and the update
		// (concurrent delete): spec.md §4.F calls this a race condition,
		// not a plain not-found.
		return vaulterr.ErrRaceCondition
	}
	return err
}

// DeleteEntry tombstones an entry. No card tap required. Idempotent:
// returns false if the entry is already absent or already deleted.
func (v *Vault) DeleteEntry(ctx context.Context, id string) (bool, error) {
	return v.store.DeleteEntry(ctx, id, nowMillis())
}

// Backup is the Vault JSON backup v1 format (spec.md §6).
type Backup struct {
	Version     int           `json:"version"`
	AppVersion  string        `json:"appVersion"`
	ExportedAt  int64         `json:"exportedAt"`
	Entries     []BackupEntry `json:"entries"`
}

// BackupEntry is one row in a Backup.
type BackupEntry struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	URL        string `json:"url"`
	Category   string `json:"category"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Export reads every non-tombstoned row into a v1 backup. No card tap:
// rows are exported still encrypted.
func (v *Vault) Export(ctx context.Context, appVersion string) (*Backup, error) {
	rows, err := v.store.AllEntries(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]BackupEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, BackupEntry{
			ID: r.ID, Label: r.Label, URL: r.URL, Category: r.Category,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
			Ciphertext: base64.StdEncoding.EncodeToString(r.Ciphertext),
			IV:         base64.StdEncoding.EncodeToString(r.IV),
			AuthTag:    base64.StdEncoding.EncodeToString(r.AuthTag),
		})
	}
	return &Backup{
		Version:    1,
		AppVersion: appVersion,
		ExportedAt: nowMillis(),
		Entries:    entries,
	}, nil
}

// ImportResult reports how many rows were applied vs. skipped.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Import bulk-inserts rows from a v1 backup, skipping rows that already
// exist locally (by id) and rows missing id/label/ciphertext. Unknown
// backup versions are rejected outright. authTag length is validated
// defensively since older backups are not guaranteed to carry exactly
// 16 bytes (spec.md §9 open question).
func (v *Vault) Import(ctx context.Context, data []byte) (*ImportResult, error) {
	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("vault: parse backup: %w", err)
	}
	if backup.Version != 1 {
		return nil, fmt.Errorf("vault: unsupported backup version %d", backup.Version)
	}

	result := &ImportResult{}
	for _, be := range backup.Entries {
		if be.ID == "" || be.Label == "" || be.Ciphertext == "" {
			result.Skipped++
			continue
		}
		if _, err := v.store.GetEntryRow(ctx, be.ID); err == nil {
			result.Skipped++ // id already exists locally
			continue
		} else if err != vaulterr.ErrNotFound {
			return result, err
		}

		ciphertext, err := base64.StdEncoding.DecodeString(be.Ciphertext)
		if err != nil {
			result.Skipped++
			continue
		}
		iv, err := base64.StdEncoding.DecodeString(be.IV)
		if err != nil || len(iv) != 12 {
			result.Skipped++
			continue
		}
		authTag, err := base64.StdEncoding.DecodeString(be.AuthTag)
		if err != nil || len(authTag) != 16 {
			result.Skipped++
			continue
		}

		createdAt, updatedAt := be.CreatedAt, be.UpdatedAt
		if updatedAt == 0 {
			updatedAt = nowMillis()
		}
		if createdAt == 0 {
			createdAt = updatedAt
		}

		err = v.store.InsertEntry(ctx, store.Entry{
			ID: be.ID, Label: be.Label, URL: be.URL, Category: be.Category,
			CreatedAt: createdAt, UpdatedAt: updatedAt,
			Ciphertext: ciphertext, IV: iv, AuthTag: authTag,
		})
		if err != nil {
			result.Skipped++
			continue
		}
		result.Imported++
	}
	return result, nil
}
