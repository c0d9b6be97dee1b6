// Package auth verifies the signed connection tokens presented by realtime
// clients. Tokens are issued elsewhere (the account service); the broker
// only verifies signature, expiry, and issuer, and extracts the subject.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a token is missing, malformed, carries a
// bad signature, or fails claim validation.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when a token's expiry has passed.
var ErrExpiredToken = errors.New("token expired")

// Verifier validates connection tokens signed with an HMAC secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier for tokens signed with the given secret and
// carrying the given issuer claim.
//
// Precondition: secret and issuer must be non-empty.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

type connectionClaims struct {
	jwt.RegisteredClaims
}

// Verify checks the token's signature, expiry, and issuer, and returns the
// user ID carried in the subject claim.
//
// Postcondition: Returns the subject user ID, or ErrInvalidToken /
// ErrExpiredToken. No partial identity is ever returned on failure.
func (v *Verifier) Verify(token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims connectionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return userID, nil
}
