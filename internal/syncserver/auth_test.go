package syncserver

import (
	"encoding/base32"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := hashPassword("correct-horse-battery")
	require.NoError(t, err)
	require.True(t, verifyPassword("correct-horse-battery", hash))
	require.False(t, verifyPassword("wrong-password", hash))
}

func TestHashPasswordUniqueSaltPerCall(t *testing.T) {
	h1, err := hashPassword("same-password")
	require.NoError(t, err)
	h2, err := hashPassword("same-password")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	issuer := newTokenIssuer([]byte("0123456789abcdef"), time.Minute, time.Hour)
	token, err := issuer.issueAccessToken("user-1", "device-1")
	require.NoError(t, err)

	claims, err := issuer.verifyAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "device-1", claims.DeviceID)
}

func TestAccessTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTokenIssuer([]byte("0123456789abcdef"), time.Minute, time.Hour)
	token, err := issuer.issueAccessToken("user-1", "device-1")
	require.NoError(t, err)

	other := newTokenIssuer([]byte("fedcba9876543210"), time.Minute, time.Hour)
	_, err = other.verifyAccessToken(token)
	require.Error(t, err)
}

func TestAccessTokenRejectsExpired(t *testing.T) {
	issuer := newTokenIssuer([]byte("0123456789abcdef"), -time.Second, time.Hour)
	token, err := issuer.issueAccessToken("user-1", "device-1")
	require.NoError(t, err)

	_, err = issuer.verifyAccessToken(token)
	require.Error(t, err)
}

func TestRefreshTokenHashIsDeterministic(t *testing.T) {
	raw, hash, err := newRefreshToken()
	require.NoError(t, err)
	require.Equal(t, hash, hashRefreshToken(raw))
}

func TestVerifyTOTP(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP" // standard base32 test vector secret
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	require.NoError(t, err)

	now := time.Unix(59, 0)
	code := totpAt(key, 59/30)
	require.True(t, verifyTOTP(secret, code, now))
	require.False(t, verifyTOTP(secret, "000000", now.Add(10*time.Minute)))
}
