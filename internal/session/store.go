package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Identity is what a login provider vouches for.
type Identity struct {
	Provider    string
	Subject     string
	Username    string
	Email       string
	DisplayName string
	AvatarURL   string
	ProfileURL  string
}

type User struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	ProfileURL  string `json:"profileUrl,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) Store {
	return Store{db: db}
}

const (
	userColumns         = `id, provider, username, email, display_name, avatar_url, profile_url, created_at, updated_at`
	prefixedUserColumns = `u.id, u.provider, u.username, u.email, u.display_name, u.avatar_url, u.profile_url, u.created_at, u.updated_at`
)

func (s Store) UpsertUser(ctx context.Context, identity Identity) (User, error) {
	if strings.TrimSpace(identity.Provider) == "" || strings.TrimSpace(identity.Subject) == "" {
		return User{}, errors.New("identity provider and subject are required")
	}

	query := `
INSERT INTO users (id, provider, subject, username, email, display_name, avatar_url, profile_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, subject) DO UPDATE SET
  username = excluded.username,
  email = excluded.email,
  display_name = excluded.display_name,
  avatar_url = excluded.avatar_url,
  profile_url = excluded.profile_url,
  updated_at = CURRENT_TIMESTAMP
RETURNING ` + userColumns + `;
`

	out, err := scanUser(s.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		strings.TrimSpace(identity.Provider),
		strings.TrimSpace(identity.Subject),
		strings.TrimSpace(identity.Username),
		strings.ToLower(strings.TrimSpace(identity.Email)),
		strings.TrimSpace(identity.DisplayName),
		strings.TrimSpace(identity.AvatarURL),
		strings.TrimSpace(identity.ProfileURL),
	))
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

func (s Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, time.Time, error) {
	rawToken, err := randomToken(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}

	expiresAt := time.Now().Add(ttl).UTC()
	query := `INSERT INTO sessions (id, user_id, token_hash, expires_at) VALUES (?, ?, ?, ?);`

	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), userID, hashToken(rawToken), expiresAt.Format(time.RFC3339)); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}

	return rawToken, expiresAt, nil
}

func (s Store) ResolveSession(ctx context.Context, rawToken string) (User, error) {
	query := `
SELECT ` + prefixedUserColumns + `, s.expires_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.token_hash = ?
LIMIT 1;
`

	var (
		out       User
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, query, hashToken(rawToken)).Scan(
		&out.ID,
		&out.Provider,
		&out.Username,
		&out.Email,
		&out.DisplayName,
		&out.AvatarURL,
		&out.ProfileURL,
		&out.CreatedAt,
		&out.UpdatedAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("resolve session: %w", err)
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || !expiry.After(time.Now()) {
		return User{}, ErrNotFound
	}
	return out, nil
}

func (s Store) DeleteSession(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?;`, hashToken(rawToken))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (User, error) {
	var out User
	err := row.Scan(
		&out.ID,
		&out.Provider,
		&out.Username,
		&out.Email,
		&out.DisplayName,
		&out.AvatarURL,
		&out.ProfileURL,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	return out, err
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
