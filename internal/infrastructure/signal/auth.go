package signal

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AdmissionClaims binds a signaling token to one room and peer identity.
type AdmissionClaims struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
	jwt.RegisteredClaims
}

// TokenValidator checks HS256 admission tokens.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

// Validate parses the token and checks that it was minted for the given
// room and peer. Expiry is enforced by the jwt library.
func (v *TokenValidator) Validate(tokenString, roomID, peerID string) error {
	claims := &AdmissionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if claims.RoomID != roomID {
		return fmt.Errorf("token not valid for room %q", roomID)
	}
	if claims.PeerID != peerID {
		return fmt.Errorf("token not valid for peer %q", peerID)
	}
	return nil
}
