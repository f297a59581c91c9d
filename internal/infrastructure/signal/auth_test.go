package signal

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, secret, roomID, peerID string, expiresIn time.Duration) string {
	t.Helper()
	claims := &AdmissionClaims{
		RoomID: roomID,
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestTokenValidator(t *testing.T) {
	v := NewTokenValidator("test-secret")

	t.Run("valid token", func(t *testing.T) {
		token := mintToken(t, "test-secret", "meeting-1", "alice", time.Hour)
		assert.NoError(t, v.Validate(token, "meeting-1", "alice"))
	})

	t.Run("room mismatch", func(t *testing.T) {
		token := mintToken(t, "test-secret", "meeting-1", "alice", time.Hour)
		assert.Error(t, v.Validate(token, "meeting-2", "alice"))
	})

	t.Run("peer mismatch", func(t *testing.T) {
		token := mintToken(t, "test-secret", "meeting-1", "alice", time.Hour)
		assert.Error(t, v.Validate(token, "meeting-1", "bob"))
	})

	t.Run("expired", func(t *testing.T) {
		token := mintToken(t, "test-secret", "meeting-1", "alice", -time.Minute)
		assert.Error(t, v.Validate(token, "meeting-1", "alice"))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := mintToken(t, "other-secret", "meeting-1", "alice", time.Hour)
		assert.Error(t, v.Validate(token, "meeting-1", "alice"))
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Error(t, v.Validate("not.a.token", "meeting-1", "alice"))
	})
}
