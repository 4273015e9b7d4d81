// Package auth hashes passwords and issues the short-lived JWT a client
// presents to prove its signed-in identity when binding its MSG and DATA
// connections (REDESIGN FLAG (c), DESIGN.md).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt digest suitable for storage in
// users.password_digest. The spec's placeholder std::hash is explicitly
// rejected per REDESIGN FLAG (c).
func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// VerifyPassword reports whether password matches the stored digest.
func VerifyPassword(digest, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// Claims identifies the signed-in user for the cross-channel handshake
// token; it carries no authorization scope beyond "this is user-id X."
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// ConnectionTokenManager issues and verifies the handshake token a client
// uses on REMEMBER_CONNECTION for its MSG and DATA channels after signing
// in on CMD, so those channels never see the password.
type ConnectionTokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewConnectionTokenManager(secret string, ttl time.Duration) *ConnectionTokenManager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ConnectionTokenManager{secret: []byte(secret), ttl: ttl}
}

func (m *ConnectionTokenManager) Issue(userID string) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "odin-chat-server",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

var ErrInvalidToken = errors.New("auth: invalid or expired connection token")

func (m *ConnectionTokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
