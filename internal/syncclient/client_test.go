package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cardvault/cardvault/internal/codec"
	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKeyring(t *testing.T) *FileKeyring {
	t.Helper()
	key := make([]byte, 32)
	k, err := NewFileKeyring(filepath.Join(t.TempDir(), "session.enc"), key)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// fakeServer is a minimal stand-in for the sync server's push/pull
// endpoints, enough to exercise the client's request shaping and cursor
// bookkeeping without depending on internal/syncserver.
type fakeServer struct {
	cursor  int64
	applied []changeWire
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/auth/register" || r.URL.Path == "/v1/auth/login":
			json.NewEncoder(w).Encode(authResponse{
				AccessToken: "tok", RefreshToken: "rtok", UserID: "u1", DeviceID: "d1",
			})
		case r.URL.Path == "/v1/sync/push":
			var req pushRequest
			json.NewDecoder(r.Body).Decode(&req)
			applied := make([]string, 0, len(req.Changes))
			for _, ch := range req.Changes {
				f.cursor++
				f.applied = append(f.applied, ch)
				applied = append(applied, ch.ItemID)
			}
			json.NewEncoder(w).Encode(pushResponse{Applied: applied, Cursor: f.cursor})
		case r.URL.Path == "/v1/sync/pull":
			json.NewEncoder(w).Encode(pullResponse{Cursor: f.cursor, NextCursor: f.cursor, HasMore: false})
		default:
			http.NotFound(w, r)
		}
	}
}

func TestPushRemovesAppliedOutboxRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entryKey := make([]byte, 32)
	sealed, err := codec.EncryptEntry(entryKey, codec.Payload{Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertEntry(ctx, store.Entry{
		ID: "e1", Label: "L", URL: "https://x", CreatedAt: 1, UpdatedAt: 1,
		Ciphertext: sealed.Ciphertext, IV: sealed.IV, AuthTag: sealed.AuthTag,
	}); err != nil {
		t.Fatal(err)
	}

	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	c := New(s, newTestKeyring(t))
	if err := c.SetConfig(srv.URL, "alice", "device1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(ctx, "password123"); err != nil {
		t.Fatal(err)
	}

	resp, err := c.Push(ctx, 0)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(resp.Applied) != 1 || resp.Applied[0] != "e1" {
		t.Fatalf("unexpected push response: %+v", resp)
	}

	n, err := s.OutboxCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected outbox drained after push, got %d rows", n)
	}
}

func TestPullAppliesLWWUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/register":
			json.NewEncoder(w).Encode(authResponse{AccessToken: "tok", RefreshToken: "r", UserID: "u1", DeviceID: "d1"})
		case "/v1/sync/pull":
			json.NewEncoder(w).Encode(pullResponse{
				Cursor: 0, NextCursor: 5, HasMore: false,
				Changes: []changeWire{{
					ItemID: "remote-1", Label: "R", UpdatedAt: 100,
					Ciphertext: "YQ==", IV: "YWFhYWFhYWFhYWFh", AuthTag: "YWFhYWFhYWFhYWFhYWFhYQ==",
					Deleted: false,
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(s, newTestKeyring(t))
	if err := c.SetConfig(srv.URL, "alice", "device1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(ctx, "password123"); err != nil {
		t.Fatal(err)
	}

	hasMore, err := c.Pull(ctx, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if hasMore {
		t.Fatal("expected hasMore=false")
	}

	row, err := s.GetEntryRow(ctx, "remote-1")
	if err != nil {
		t.Fatalf("get applied row: %v", err)
	}
	if row.Label != "R" {
		t.Fatalf("unexpected applied row: %+v", row)
	}

	cursor, err := c.cursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 5 {
		t.Fatalf("cursor = %d, want 5", cursor)
	}
}

func TestEnvelopeRoundTripOverWire(t *testing.T) {
	rootKey := make([]byte, kdf.RootKeySize)
	for i := range rootKey {
		rootKey[i] = byte(i)
	}
	env, err := kdf.SealEnvelope("correct-horse-battery", rootKey)
	if err != nil {
		t.Fatal(err)
	}

	wire, err := envelopeToWire(env)
	if err != nil {
		t.Fatal(err)
	}
	back, err := envelopeFromWire(wire)
	if err != nil {
		t.Fatal(err)
	}

	opened, err := kdf.OpenEnvelope("correct-horse-battery", back)
	if err != nil {
		t.Fatalf("open round-tripped envelope: %v", err)
	}
	if string(opened) != string(rootKey) {
		t.Fatal("root key mismatch after wire round trip")
	}
}
