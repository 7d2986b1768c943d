package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"

	"tutor/backend/internal/session"
)

const ProviderGoogle = "google"

var ErrUnverifiedEmail = errors.New("google account email is not verified")

// TokenValidator matches idtoken.Validate.
type TokenValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

type GoogleVerifier struct {
	clientID string
	validate TokenValidator
}

func NewGoogleVerifier(clientID string) GoogleVerifier {
	return GoogleVerifier{clientID: strings.TrimSpace(clientID), validate: idtoken.Validate}
}

// WithValidator swaps the token validator, mainly for tests.
func (v GoogleVerifier) WithValidator(validate TokenValidator) GoogleVerifier {
	v.validate = validate
	return v
}

func (v GoogleVerifier) Enabled() bool {
	return v.clientID != ""
}

func (v GoogleVerifier) Verify(ctx context.Context, idToken string) (session.Identity, error) {
	if strings.TrimSpace(idToken) == "" {
		return session.Identity{}, errors.New("id token is required")
	}
	if !v.Enabled() {
		return session.Identity{}, errors.New("google login is not configured")
	}

	payload, err := v.validate(ctx, idToken, v.clientID)
	if err != nil {
		return session.Identity{}, fmt.Errorf("validate id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return session.Identity{}, errors.New("google token missing email claim")
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return session.Identity{}, ErrUnverifiedEmail
	}

	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	return session.Identity{
		Provider:    ProviderGoogle,
		Subject:     payload.Subject,
		Username:    strings.ToLower(email),
		Email:       strings.ToLower(email),
		DisplayName: strings.TrimSpace(name),
		AvatarURL:   strings.TrimSpace(picture),
	}, nil
}
