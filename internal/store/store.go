// Package store implements the local encrypted entry store, its change
// outbox, and sync-state map (spec.md §4.E) over SQLite. Every mutating
// operation runs inside one transaction that updates the entries row and
// its outbox row together.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cardvault/cardvault/internal/vaulterr"
)

// Entry is the persisted row: metadata plus the AEAD-sealed payload
// columns. Deleted rows have nil ciphertext/iv/authTag.
type Entry struct {
	ID         string
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

// OutboxChange is one pending row the sync client has not yet pushed.
type OutboxChange struct {
	ID        string
	UpdatedAt int64
	Deleted   bool
}

// Store wraps a SQLite connection holding entries, outbox, and
// sync_state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists. WAL mode is enabled: this is a
// single-writer desktop application, and WAL lets readers avoid
// blocking on the writer.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; avoids SQLITE_BUSY under WAL

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	url        TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	ciphertext BLOB,
	iv         BLOB,
	auth_tag   BLOB,
	deleted    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outbox (
	id         TEXT PRIMARY KEY,
	updated_at INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertEntry creates a new entry row and its outbox row atomically.
// Rejects duplicate ids.
func (s *Store) InsertEntry(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries WHERE id = ?`, e.ID).Scan(&exists); err != nil {
		return fmt.Errorf("store: check existing: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("store: entry %s already exists", e.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (id, label, url, category, created_at, updated_at, ciphertext, iv, auth_tag, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Label, e.URL, e.Category, e.CreatedAt, e.UpdatedAt, e.Ciphertext, e.IV, e.AuthTag, boolToInt(e.Deleted)); err != nil {
		return fmt.Errorf("store: insert entry: %w", err)
	}

	if err := insertOutboxTx(ctx, tx, e.ID, e.UpdatedAt, e.Deleted); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateEntry requires the row to exist, rewrites its sealed payload and
// metadata, stamps updatedAt, and records an outbox row in the same
// transaction. Returns vaulterr.ErrNotFound if the row is missing.
func (s *Store) UpdateEntry(ctx context.Context, id string, label, url, category string, ciphertext, iv, authTag []byte, updatedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE entries SET label = ?, url = ?, category = ?, ciphertext = ?, iv = ?, auth_tag = ?, updated_at = ?, deleted = 0
		WHERE id = ?`,
		label, url, category, ciphertext, iv, authTag, updatedAt, id)
	if err != nil {
		return fmt.Errorf("store: update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return vaulterr.ErrNotFound
	}

	if err := insertOutboxTx(ctx, tx, id, updatedAt, false); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEntry tombstones an entry: nulls the ciphertext columns, sets
// deleted=true, and stamps updatedAt. Idempotent: returns (false, nil)
// if the row does not exist or is already deleted.
func (s *Store) DeleteEntry(ctx context.Context, id string, updatedAt int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var deleted int
	err = tx.QueryRowContext(ctx, `SELECT deleted FROM entries WHERE id = ?`, id).Scan(&deleted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: lookup entry: %w", err)
	}
	if deleted != 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET ciphertext = NULL, iv = NULL, auth_tag = NULL, deleted = 1, updated_at = ?
		WHERE id = ?`, updatedAt, id); err != nil {
		return false, fmt.Errorf("store: delete entry: %w", err)
	}

	if err := insertOutboxTx(ctx, tx, id, updatedAt, true); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, id string, updatedAt int64, deleted bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, updated_at, deleted) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, deleted = excluded.deleted`,
		id, updatedAt, boolToInt(deleted))
	if err != nil {
		return fmt.Errorf("store: insert outbox: %w", err)
	}
	return nil
}

// GetEntryRow returns the raw encrypted row for id, or ErrNotFound.
func (s *Store) GetEntryRow(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, url, category, created_at, updated_at, ciphertext, iv, auth_tag, deleted
		FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, vaulterr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entry: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var deletedInt int
	if err := row.Scan(&e.ID, &e.Label, &e.URL, &e.Category, &e.CreatedAt, &e.UpdatedAt,
		&e.Ciphertext, &e.IV, &e.AuthTag, &deletedInt); err != nil {
		return nil, err
	}
	e.Deleted = deletedInt != 0
	return &e, nil
}

// ListEntries returns metadata-only rows (no ciphertext/iv/authTag),
// excluding tombstones, optionally filtered by a case-insensitive
// substring match against label/url/category.
func (s *Store) ListEntries(ctx context.Context, limit, offset int, query string) ([]Entry, error) {
	args := []any{}
	sqlQuery := `SELECT id, label, url, category, created_at, updated_at, deleted
		FROM entries WHERE deleted = 0`
	if query != "" {
		sqlQuery += ` AND (label LIKE ? OR url LIKE ? OR category LIKE ?)`
		like := "%" + query + "%"
		args = append(args, like, like, like)
	}
	sqlQuery += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var deletedInt int
		if err := rows.Scan(&e.ID, &e.Label, &e.URL, &e.Category, &e.CreatedAt, &e.UpdatedAt, &deletedInt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		e.Deleted = deletedInt != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllEntries returns every non-tombstoned entry row (used by export).
func (s *Store) AllEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, url, category, created_at, updated_at, ciphertext, iv, auth_tag, deleted
		FROM entries WHERE deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: all entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ApplyRemoteUpsert writes row iff it is missing locally or row.UpdatedAt
// strictly exceeds the local row's updatedAt (last-writer-wins). It does
// not append to the outbox: remote-applied changes must not be re-pushed.
func (s *Store) ApplyRemoteUpsert(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var localUpdatedAt int64
	err = tx.QueryRowContext(ctx, `SELECT updated_at FROM entries WHERE id = ?`, e.ID).Scan(&localUpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (id, label, url, category, created_at, updated_at, ciphertext, iv, auth_tag, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Label, e.URL, e.Category, e.CreatedAt, e.UpdatedAt, e.Ciphertext, e.IV, e.AuthTag, boolToInt(e.Deleted)); err != nil {
			return fmt.Errorf("store: insert remote entry: %w", err)
		}
		return tx.Commit()
	case err != nil:
		return fmt.Errorf("store: lookup entry: %w", err)
	}

	if e.UpdatedAt <= localUpdatedAt {
		return nil // stale or duplicate: no-op, per LWW
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET label = ?, url = ?, category = ?, created_at = ?, updated_at = ?, ciphertext = ?, iv = ?, auth_tag = ?, deleted = ?
		WHERE id = ?`,
		e.Label, e.URL, e.Category, e.CreatedAt, e.UpdatedAt, e.Ciphertext, e.IV, e.AuthTag, boolToInt(e.Deleted), e.ID); err != nil {
		return fmt.Errorf("store: update remote entry: %w", err)
	}
	return tx.Commit()
}

// ApplyRemoteDelete tombstones id iff updatedAt is strictly newer than
// the local row's updatedAt. Does not append to the outbox.
func (s *Store) ApplyRemoteDelete(ctx context.Context, id string, updatedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var localUpdatedAt int64
	err = tx.QueryRowContext(ctx, `SELECT updated_at FROM entries WHERE id = ?`, id).Scan(&localUpdatedAt)
	if err == sql.ErrNoRows {
		return tx.Commit() // nothing to tombstone locally; convergence is satisfied vacuously
	}
	if err != nil {
		return fmt.Errorf("store: lookup entry: %w", err)
	}
	if updatedAt <= localUpdatedAt {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET ciphertext = NULL, iv = NULL, auth_tag = NULL, deleted = 1, updated_at = ?
		WHERE id = ?`, updatedAt, id); err != nil {
		return fmt.Errorf("store: remote delete: %w", err)
	}
	return tx.Commit()
}

// ListOutbox returns up to limit pending outbox rows.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]OutboxChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, updated_at, deleted FROM outbox ORDER BY updated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxChange
	for rows.Next() {
		var c OutboxChange
		var deletedInt int
		if err := rows.Scan(&c.ID, &c.UpdatedAt, &deletedInt); err != nil {
			return nil, fmt.Errorf("store: scan outbox: %w", err)
		}
		c.Deleted = deletedInt != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveOutbox deletes the given ids from the outbox after a successful
// push.
func (s *Store) RemoveOutbox(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: remove outbox: %w", err)
		}
	}
	return tx.Commit()
}

// OutboxCount reports how many rows remain pending.
func (s *Store) OutboxCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: outbox count: %w", err)
	}
	return n, nil
}

// SeedOutboxFromEntries inserts one outbox record per current entry. Used
// exactly once, guarded by the initialSeedDone sync-state flag, so a
// freshly-registered server receives the existing local vault.
func (s *Store) SeedOutboxFromEntries(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, updated_at, deleted FROM entries`)
	if err != nil {
		return fmt.Errorf("store: seed query: %w", err)
	}
	type seedRow struct {
		id        string
		updatedAt int64
		deleted   int
	}
	var seeds []seedRow
	for rows.Next() {
		var sr seedRow
		if err := rows.Scan(&sr.id, &sr.updatedAt, &sr.deleted); err != nil {
			rows.Close()
			return fmt.Errorf("store: seed scan: %w", err)
		}
		seeds = append(seeds, sr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: seed rows: %w", err)
	}

	for _, sr := range seeds {
		if err := insertOutboxTx(ctx, tx, sr.id, sr.updatedAt, sr.deleted != 0); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSyncState reads a sync_state value, returning "" if unset.
func (s *Store) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get sync state: %w", err)
	}
	return value, nil
}

// SetSyncState upserts a sync_state value.
func (s *Store) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set sync state: %w", err)
	}
	return nil
}
