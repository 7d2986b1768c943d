package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tutor/backend/internal/artifact"
	"tutor/backend/internal/auth"
	"tutor/backend/internal/blob"
	"tutor/backend/internal/chat"
	"tutor/backend/internal/config"
	"tutor/backend/internal/fallback"
	"tutor/backend/internal/metrics"
	"tutor/backend/internal/session"
	"tutor/backend/internal/store"
)

// ConversationStore is everything the HTTP layer reads and deletes; the
// relay and artifact service write through their own narrower views.
type ConversationStore interface {
	chat.ConversationStore
	artifact.ArtifactStore
	GetConversation(ctx context.Context, ownerID, conversationID string) (store.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]store.ConversationSummary, error)
	DeleteConversation(ctx context.Context, ownerID, conversationID string) ([]string, error)
	ListArtifacts(ctx context.Context, ownerID, conversationID string) ([]store.Artifact, error)
	DeleteArtifact(ctx context.Context, ownerID, artifactID string) error
}

type Dependencies struct {
	Sessions      session.Store
	Conversations ConversationStore
	Relay         *chat.Relay
	Artifacts     *artifact.Service
	Catalog       *fallback.Catalog
	Blobs         blob.Store
	GitHub        auth.GitHubLogin
	Google        auth.GoogleVerifier
	States        auth.StateSigner
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Handler struct {
	cfg           config.Config
	sessions      session.Store
	conversations ConversationStore
	relay         *chat.Relay
	artifacts     *artifact.Service
	catalog       *fallback.Catalog
	blobs         blob.Store
	github        auth.GitHubLogin
	google        auth.GoogleVerifier
	states        auth.StateSigner
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewHandler(cfg config.Config, deps Dependencies) Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Handler{
		cfg:           cfg,
		sessions:      deps.Sessions,
		conversations: deps.Conversations,
		relay:         deps.Relay,
		artifacts:     deps.Artifacts,
		catalog:       deps.Catalog,
		blobs:         deps.Blobs,
		github:        deps.GitHub,
		google:        deps.Google,
		states:        deps.States,
		metrics:       deps.Metrics,
		logger:        logger,
	}
}

type contextKey string

const sessionUserContextKey contextKey = "session_user"

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OptionalSession attaches the session user when the cookie resolves and
// lets the request through either way.
func (h Handler) OptionalSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.resolveSession(r)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			h.logger.Error("session_resolve_failed", "error", err)
		}
		if err == nil {
			r = r.WithContext(context.WithValue(r.Context(), sessionUserContextKey, user))
		}
		next.ServeHTTP(w, r)
	})
}

func (h Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := sessionUserFromContext(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}

		user, err := h.resolveSession(r)
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve session")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionUserContextKey, user)))
	})
}

func (h Handler) resolveSession(r *http.Request) (session.User, error) {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err != nil {
		return session.User{}, session.ErrNotFound
	}
	return h.sessions.ResolveSession(r.Context(), rawToken)
}

func (h Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (h Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func readSessionCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("empty session cookie")
	}
	return cookie.Value, nil
}

func sessionUserFromContext(ctx context.Context) (session.User, bool) {
	user, ok := ctx.Value(sessionUserContextKey).(session.User)
	return user, ok && user.ID != ""
}
