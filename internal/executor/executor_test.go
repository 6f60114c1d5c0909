package executor

import (
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/cardvault/cardvault/internal/carddriver/emulator"
	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

type staticRootKey struct{ key []byte }

func (s staticRootKey) RootKey() ([]byte, error) {
	return append([]byte{}, s.key...), nil
}

func randRootKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, kdf.RootKeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func newInitializedCard(t *testing.T, rootKey, uid []byte) *emulator.Driver {
	t.Helper()
	card := emulator.New(uid)
	readKey, err := kdf.DeriveCardKey(rootKey, uid)
	if err != nil {
		t.Fatalf("derive card key: %v", err)
	}
	if err := card.Init(context.Background(), readKey); err != nil {
		t.Fatalf("init card: %v", err)
	}
	return card
}

func TestWithEntryKeySuccess(t *testing.T) {
	rootKey := randRootKey(t)
	uid := []byte{0x04, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	card := newInitializedCard(t, rootKey, uid)

	exec := New(card, staticRootKey{rootKey})

	var gotKeyLen int
	result, err := exec.WithEntryKey(context.Background(), "entry-1", func(entryKey []byte) (any, error) {
		gotKeyLen = len(entryKey)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithEntryKey: %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result %v", result)
	}
	if gotKeyLen != 32 {
		t.Fatalf("entry key length = %d, want 32", gotKeyLen)
	}
	if exec.State() != StateIdle {
		t.Fatalf("executor did not return to idle, state=%v", exec.State())
	}
}

func TestWithEntryKeyTimeout(t *testing.T) {
	rootKey := randRootKey(t)
	uid := []byte{0x04, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	card := emulator.New(uid)
	card.Present = false // no card ever shows up

	exec := New(card, staticRootKey{rootKey})
	exec.waitTimeout = 20 * time.Millisecond
	exec.pollInterval = 5 * time.Millisecond

	_, err := exec.WithEntryKey(context.Background(), "entry-1", func(entryKey []byte) (any, error) {
		t.Fatal("crypto fn should not run when the card never appears")
		return nil, nil
	})
	if err != vaulterr.ErrCardTimeout {
		t.Fatalf("expected ErrCardTimeout, got %v", err)
	}
}

func TestWithEntryKeyCancellation(t *testing.T) {
	rootKey := randRootKey(t)
	uid := []byte{0x04, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	card := emulator.New(uid)
	card.Present = false

	exec := New(card, staticRootKey{rootKey})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := exec.WithEntryKey(ctx, "entry-1", func(entryKey []byte) (any, error) {
		t.Fatal("crypto fn should not run on cancellation")
		return nil, nil
	})
	if err != vaulterr.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestWithEntryKeyPreemption(t *testing.T) {
	rootKey := randRootKey(t)
	uid := []byte{0x04, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	card := newInitializedCard(t, rootKey, uid)
	card.Present = false // force the first call to sit in WAITING_CARD

	exec := New(card, staticRootKey{rootKey})

	firstDone := make(chan error, 1)
	go func() {
		_, err := exec.WithEntryKey(context.Background(), "entry-1", func(entryKey []byte) (any, error) {
			return "first", nil
		})
		firstDone <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the first call reach WAITING_CARD
	card.Present = true

	result, err := exec.WithEntryKey(context.Background(), "entry-2", func(entryKey []byte) (any, error) {
		return "second", nil
	})
	if err != nil {
		t.Fatalf("second WithEntryKey: %v", err)
	}
	if result != "second" {
		t.Fatalf("unexpected result for second call: %v", result)
	}

	if err := <-firstDone; err != vaulterr.ErrCancelled {
		t.Fatalf("expected first call to be pre-empted with ErrCancelled, got %v", err)
	}
}
