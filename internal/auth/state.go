package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateTTL = 10 * time.Minute

var ErrInvalidState = errors.New("invalid oauth state")

type stateClaims struct {
	ReturnTo string `json:"rt,omitempty"`
	jwt.RegisteredClaims
}

// StateSigner issues the short-lived signed state carried through the OAuth redirect.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

func NewStateSigner(secret string) StateSigner {
	return StateSigner{secret: []byte(secret), now: time.Now}
}

func (s StateSigner) Issue(returnTo string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("state signing secret is not configured")
	}
	now := s.now()
	claims := stateClaims{
		ReturnTo: strings.TrimSpace(returnTo),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify returns the return-to path embedded in a valid state.
func (s StateSigner) Verify(state string) (string, error) {
	if len(s.secret) == 0 || strings.TrimSpace(state) == "" {
		return "", ErrInvalidState
	}
	var claims stateClaims
	token, err := jwt.ParseWithClaims(state, &claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidState
	}
	return claims.ReturnTo, nil
}
