package kdf

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/cardvault/cardvault/internal/vaulterr"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestDeriveCardKeyDeterministic(t *testing.T) {
	rootKey := randBytes(t, RootKeySize)
	uid := []byte{0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	k1, err := DeriveCardKey(rootKey, uid)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveCardKey(rootKey, uid)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("card key derivation is not deterministic")
	}
	if len(k1) != 16 {
		t.Fatalf("card key must be 16 bytes, got %d", len(k1))
	}

	otherUID := []byte{0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x00}
	k3, err := DeriveCardKey(rootKey, otherUID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("different UIDs produced the same card key")
	}
}

func TestDeriveEntryKeyIndependentPerEntry(t *testing.T) {
	rootKey := randBytes(t, RootKeySize)
	cardSecret := randBytes(t, 16)

	k1, err := DeriveEntryKey(cardSecret, rootKey, "entry-a")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveEntryKey(cardSecret, rootKey, "entry-b")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatal("distinct entry ids produced the same entry key")
	}
	if len(k1) != 32 {
		t.Fatalf("entry key must be 32 bytes, got %d", len(k1))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	rootKey := randBytes(t, RootKeySize)

	env, err := SealEnvelope("correct-horse-battery", rootKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := OpenEnvelope("correct-horse-battery", env)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, rootKey) {
		t.Fatal("opened root key does not match sealed root key")
	}
}

func TestEnvelopeWrongPassphrase(t *testing.T) {
	rootKey := randBytes(t, RootKeySize)
	env, err := SealEnvelope("correct-horse-battery", rootKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	_, err = OpenEnvelope("totally-wrong-passphrase", env)
	if err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
	if err != vaulterr.ErrBadPassphrase {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestSealRejectsShortPassphrase(t *testing.T) {
	rootKey := randBytes(t, RootKeySize)
	_, err := SealEnvelope("short", rootKey)
	if err != vaulterr.ErrBadPassphrase {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestOpenRejectsBadAuthTagLength(t *testing.T) {
	rootKey := randBytes(t, RootKeySize)
	env, err := SealEnvelope("correct-horse-battery", rootKey)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.AuthTag = env.AuthTag[:8]

	_, err = OpenEnvelope("correct-horse-battery", env)
	if err != vaulterr.ErrBadPassphrase {
		t.Fatalf("expected ErrBadPassphrase for bad auth tag length, got %v", err)
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	for _, v := range b {
		if v != 0 {
			t.Fatal("Zero did not clear all bytes")
		}
	}
}
