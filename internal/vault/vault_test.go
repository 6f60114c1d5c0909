package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/cardvault/cardvault/internal/carddriver/emulator"
	"github.com/cardvault/cardvault/internal/codec"
	"github.com/cardvault/cardvault/internal/executor"
	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/store"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

type staticRootKey struct{ key []byte }

func (s staticRootKey) RootKey() ([]byte, error) { return append([]byte{}, s.key...), nil }

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rootKey := make([]byte, kdf.RootKeySize)
	if _, err := io.ReadFull(rand.Reader, rootKey); err != nil {
		t.Fatal(err)
	}
	uid := []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	card := emulator.New(uid)
	readKey, err := kdf.DeriveCardKey(rootKey, uid)
	if err != nil {
		t.Fatal(err)
	}
	if err := card.Init(context.Background(), readKey); err != nil {
		t.Fatal(err)
	}

	exec := executor.New(card, staticRootKey{rootKey})
	return New(s, exec)
}

func strPtr(s string) *string { return &s }

func TestCreateGetEntry(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.CreateEntry(ctx, CreateEntryInput{
		Label: "GH", URL: "https://github.com/x", Category: "dev",
		Payload: codec.Payload{Username: "u", Password: "p", Notes: strPtr("n")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := v.ListEntries(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected list: %+v", list)
	}

	payload, err := v.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if payload.Username != "u" || payload.Password != "p" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestUpdateEntry(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.CreateEntry(ctx, CreateEntryInput{
		Label: "GH", URL: "https://github.com/x",
		Payload: codec.Payload{Username: "u", Password: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := v.UpdateEntry(ctx, id, UpdateEntryInput{
		Label: "GH2", URL: "https://github.com/y",
		Payload: codec.Payload{Username: "u2", Password: "p2"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	payload, err := v.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if payload.Username != "u2" {
		t.Fatalf("update did not persist, got %+v", payload)
	}
}

func TestUpdateEntryNotFound(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	err := v.UpdateEntry(ctx, "nonexistent", UpdateEntryInput{
		Label: "x", Payload: codec.Payload{Username: "u", Password: "p"},
	})
	if err != vaulterr.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteEntryIdempotent(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.CreateEntry(ctx, CreateEntryInput{
		Label: "GH", Payload: codec.Payload{Username: "u", Password: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := v.DeleteEntry(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first delete: ok=%v err=%v", ok, err)
	}
	ok, err = v.DeleteEntry(ctx, id)
	if err != nil || ok {
		t.Fatalf("second delete should be a no-op: ok=%v err=%v", ok, err)
	}

	if _, err := v.GetEntry(ctx, id); err != vaulterr.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.CreateEntry(ctx, CreateEntryInput{
		Label: "GH", URL: "https://github.com/x",
		Payload: codec.Payload{Username: "u", Password: "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	backup, err := v.Export(ctx, "1.0.0-test")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(backup.Entries) != 1 || backup.Entries[0].ID != id {
		t.Fatalf("unexpected backup: %+v", backup)
	}

	data, err := json.Marshal(backup)
	if err != nil {
		t.Fatal(err)
	}

	v2 := newTestVault(t)
	result, err := v2.Import(ctx, data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 || result.Skipped != 0 {
		t.Fatalf("unexpected import result: %+v", result)
	}

	// Re-importing the same backup skips the now-duplicate id.
	result2, err := v2.Import(ctx, data)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if result2.Imported != 0 || result2.Skipped != 1 {
		t.Fatalf("expected duplicate to be skipped, got %+v", result2)
	}
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Import(context.Background(), []byte(`{"version":2,"entries":[]}`))
	if err == nil {
		t.Fatal("expected error for unknown backup version")
	}
}
