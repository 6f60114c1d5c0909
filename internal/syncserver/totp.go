package syncserver

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

// verifyTOTP checks a 6-digit RFC 6238 code against secret (base32,
// unpadded, the conventional authenticator-app encoding), tolerating
// one time step of clock skew in either direction. MFA *enrollment* is
// out of scope (spec.md §1); this only verifies a code against an
// already-provisioned secret, per SPEC_FULL.md §1's supplemented scope.
func verifyTOTP(secret, code string, now time.Time) bool {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return false
	}
	step := now.Unix() / 30
	for _, skew := range []int64{0, -1, 1} {
		if totpAt(key, step+skew) == code {
			return true
		}
	}
	return false
}

func totpAt(key []byte, step int64) string {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(step))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", truncated%1_000_000)
}
