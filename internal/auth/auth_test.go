package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	"tutor/backend/internal/config"
)

func TestStateRoundTrip(t *testing.T) {
	signer := NewStateSigner("secret")

	state, err := signer.Issue("/chat/abc")
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}

	returnTo, err := signer.Verify(state)
	if err != nil {
		t.Fatalf("verify state: %v", err)
	}
	if returnTo != "/chat/abc" {
		t.Fatalf("unexpected return path %q", returnTo)
	}

	if _, err := NewStateSigner("other").Verify(state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected signature mismatch to fail, got %v", err)
	}
}

func TestStateExpires(t *testing.T) {
	signer := NewStateSigner("secret")
	issuedAt := time.Now().Add(-time.Hour)
	signer.now = func() time.Time { return issuedAt }

	state, err := signer.Issue("")
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}

	signer.now = time.Now
	if _, err := signer.Verify(state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected expired state to fail, got %v", err)
	}
}

func TestGitHubExchangeLoadsProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/oauth/access_token":
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parse form: %v", err)
			}
			if r.Form.Get("code") != "the-code" {
				t.Fatalf("unexpected code %q", r.Form.Get("code"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"gho_token","token_type":"bearer"}`))
		case "/user":
			if got := r.Header.Get("Authorization"); got != "Bearer gho_token" {
				t.Fatalf("unexpected authorization header %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":583231,"login":"octocat","name":"The Octocat","avatar_url":"https://avatars/octocat","html_url":"https://github.com/octocat"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	login := NewGitHubLogin(config.Config{GitHubClientID: "id", GitHubClientSecret: "secret"}, server.Client()).
		WithEndpoints(oauth2.Endpoint{
			AuthURL:  server.URL + "/login/oauth/authorize",
			TokenURL: server.URL + "/login/oauth/access_token",
		}, server.URL)

	identity, err := login.Exchange(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if identity.Provider != ProviderGitHub || identity.Subject != "583231" || identity.Username != "octocat" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.ProfileURL != "https://github.com/octocat" {
		t.Fatalf("unexpected profile url %q", identity.ProfileURL)
	}
}

func TestGitHubAuthCodeURLCarriesState(t *testing.T) {
	login := NewGitHubLogin(config.Config{GitHubClientID: "id", GitHubClientSecret: "secret", GitHubCallbackURL: "http://localhost/cb"}, nil)
	url := login.AuthCodeURL("signed-state")
	if !strings.HasPrefix(url, "https://github.com/login/oauth/authorize") || !strings.Contains(url, "state=signed-state") {
		t.Fatalf("unexpected auth url %q", url)
	}
}

func TestGoogleVerifierRequiresVerifiedEmail(t *testing.T) {
	claims := map[string]any{"email": "Student@Example.com", "email_verified": false}
	verifier := NewGoogleVerifier("client").WithValidator(func(context.Context, string, string) (*idtoken.Payload, error) {
		return &idtoken.Payload{Subject: "sub-1", Claims: claims}, nil
	})

	if _, err := verifier.Verify(context.Background(), "token"); !errors.Is(err, ErrUnverifiedEmail) {
		t.Fatalf("expected ErrUnverifiedEmail, got %v", err)
	}

	claims["email_verified"] = true
	identity, err := verifier.Verify(context.Background(), "token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.Provider != ProviderGoogle || identity.Subject != "sub-1" || identity.Email != "student@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}
