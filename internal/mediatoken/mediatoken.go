// Package mediatoken issues signed join tokens for the real-time media
// channel. A token grants one user a role in one channel for a bounded
// lifetime; the media edge validates the signature with the shared secret.
package mediatoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Role determines what a participant may do in a media channel.
type Role string

const (
	// RolePublisher may send and receive media.
	RolePublisher Role = "publisher"
	// RoleSubscriber may only receive media.
	RoleSubscriber Role = "subscriber"
)

// defaultTTL is the token lifetime when the request does not specify one.
const defaultTTL = 24 * time.Hour

// maxTTL caps client-requested token lifetimes.
const maxTTL = 24 * time.Hour

// ParseRole normalises a client-supplied role string. Publisher-equivalent
// aliases map to publisher, subscriber-equivalent aliases and the empty
// string map to subscriber. Anything else is rejected.
func ParseRole(s string) (Role, error) {
	switch s {
	case "publisher", "host", "broadcaster":
		return RolePublisher, nil
	case "subscriber", "audience", "":
		return RoleSubscriber, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ClampTTL converts a requested lifetime in seconds to a duration within
// the allowed bounds. Zero or negative requests get the default.
func ClampTTL(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultTTL
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// Claims holds the channel grant carried by a media token.
type Claims struct {
	Channel string `json:"channel"`
	UserID  string `json:"uid"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs media tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte

	now func() time.Time
}

// NewIssuer creates an Issuer. The secret must not be empty.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("media token secret is empty")
	}
	return &Issuer{secret: secret, now: time.Now}, nil
}

// Issue creates a signed token granting userID the role in channel,
// expiring after ttl. Returns the token string and its expiry time.
func (i *Issuer) Issue(channel, userID string, role Role, ttl time.Duration) (string, time.Time, error) {
	if channel == "" {
		return "", time.Time{}, fmt.Errorf("channel is required")
	}
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}

	now := i.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Channel: channel,
		UserID:  userID,
		Role:    string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "carevoice",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing media token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning its claims. Used by tests
// and by the media edge when it shares this package.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing media token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid media token")
	}
	return claims, nil
}
