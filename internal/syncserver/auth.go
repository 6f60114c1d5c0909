package syncserver

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

// argon2id parameters, exactly as spec.md §4.I specifies: 64 MiB memory,
// 3 passes, 1 lane. Grounded on GoPassKeeper's argon2.IDKey call
// (other_examples), adapted to these parameters and to password hashing
// rather than key derivation.
const (
	argon2Memory  = 64 * 1024
	argon2Time    = 3
	argon2Threads = 1
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// hashPassword returns an encoded "argon2id$salt$hash" string (both
// base64) suitable for storage in User.PasswordHash.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("syncserver: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// verifyPassword checks password against an encoded hash produced by
// hashPassword, using a constant-time comparison.
func verifyPassword(password, encoded string) bool {
	parts := splitDollar(encoded)
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	saltB64, hashB64 := parts[1], parts[2]

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func splitDollar(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// accessClaims is the JWT payload for access tokens. Signed HS256 via
// golang-jwt/jwt/v5 (used throughout dc4eu-vc).
type accessClaims struct {
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// tokenIssuer signs and verifies access tokens and mints/hashes refresh
// tokens.
type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func newTokenIssuer(secret []byte, accessTTL, refreshTTL time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (t *tokenIssuer) issueAccessToken(userID, deviceID string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *tokenIssuer) verifyAccessToken(raw string) (*accessClaims, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("syncserver: unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("syncserver: invalid access token: %w", err)
	}
	return claims, nil
}

// newRefreshToken returns a fresh random 32-byte token (hex-encoded for
// the wire) and its SHA-256 hash (what gets persisted).
func newRefreshToken() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", "", fmt.Errorf("syncserver: generate refresh token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, hashRefreshToken(raw), nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
