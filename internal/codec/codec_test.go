package codec

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/cardvault/cardvault/internal/vaulterr"
)

func randKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randKey(t)
	notes := "keep safe"
	payload := Payload{Username: "u", Password: "p", Notes: &notes}

	sealed, err := EncryptEntry(key, payload)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(sealed.IV) != 12 {
		t.Fatalf("iv must be 12 bytes, got %d", len(sealed.IV))
	}
	if len(sealed.AuthTag) != 16 {
		t.Fatalf("auth tag must be 16 bytes, got %d", len(sealed.AuthTag))
	}

	got, err := DecryptEntry(key, sealed.Ciphertext, sealed.IV, sealed.AuthTag)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got.Username != payload.Username || got.Password != payload.Password {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.Notes == nil || *got.Notes != notes {
		t.Fatalf("notes not preserved: %+v", got.Notes)
	}
}

func TestDecryptBadAuthTag(t *testing.T) {
	key := randKey(t)
	sealed, err := EncryptEntry(key, Payload{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed.AuthTag[0] ^= 0xFF

	_, err = DecryptEntry(key, sealed.Ciphertext, sealed.IV, sealed.AuthTag)
	if err != vaulterr.ErrBadCiphertext {
		t.Fatalf("expected ErrBadCiphertext, got %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key := randKey(t)
	other := randKey(t)
	sealed, err := EncryptEntry(key, Payload{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	_, err = DecryptEntry(other, sealed.Ciphertext, sealed.IV, sealed.AuthTag)
	if err != vaulterr.ErrBadCiphertext {
		t.Fatalf("expected ErrBadCiphertext, got %v", err)
	}
}

func TestDecryptRejectsShortIVAndTag(t *testing.T) {
	key := randKey(t)
	sealed, err := EncryptEntry(key, Payload{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptEntry(key, sealed.Ciphertext, sealed.IV[:8], sealed.AuthTag); err != vaulterr.ErrBadCiphertext {
		t.Fatalf("expected ErrBadCiphertext for short iv, got %v", err)
	}
	if _, err := DecryptEntry(key, sealed.Ciphertext, sealed.IV, sealed.AuthTag[:8]); err != vaulterr.ErrBadCiphertext {
		t.Fatalf("expected ErrBadCiphertext for short auth tag, got %v", err)
	}
}
