package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tutor/backend/internal/auth"
	"tutor/backend/internal/session"
)

func (h Handler) AuthGitHub(w http.ResponseWriter, r *http.Request) {
	if !h.github.Enabled() {
		writeError(w, http.StatusNotFound, "github_disabled", "github login is not configured")
		return
	}
	state, err := h.states.Issue(safeReturnPath(r.URL.Query().Get("returnTo")))
	if err != nil {
		h.logger.Error("oauth_state_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "state_error", "failed to start login")
		return
	}
	http.Redirect(w, r, h.github.AuthCodeURL(state), http.StatusFound)
}

func (h Handler) AuthGitHubCallback(w http.ResponseWriter, r *http.Request) {
	returnTo, err := h.states.Verify(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", "login state is invalid or expired")
		return
	}

	identity, err := h.github.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Warn("github_exchange_failed", "error", err)
		http.Redirect(w, r, h.frontendURL("/auth?error=github"), http.StatusFound)
		return
	}

	if _, ok := h.startSession(w, r, identity); !ok {
		return
	}
	http.Redirect(w, r, h.frontendURL(returnTo), http.StatusFound)
}

// A Google ID token is a few kilobytes.
const maxLoginRequestBytes = 64 * 1024

type authGoogleRequest struct {
	IDToken string `json:"idToken"`
}

func (h Handler) AuthGoogle(w http.ResponseWriter, r *http.Request) {
	var req authGoogleRequest
	if err := readJSON(w, r, &req, maxLoginRequestBytes); err != nil {
		writeDomainError(w, err)
		return
	}

	identity, err := h.google.Verify(r.Context(), req.IDToken)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrUnverifiedEmail) {
			status = http.StatusForbidden
		}
		writeError(w, status, "invalid_google_token", err.Error())
		return
	}

	user, ok := h.startSession(w, r, identity)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) startSession(w http.ResponseWriter, r *http.Request, identity session.Identity) (session.User, bool) {
	user, err := h.sessions.UpsertUser(r.Context(), identity)
	if err != nil {
		h.logger.Error("user_upsert_failed", "provider", identity.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to upsert user")
		return session.User{}, false
	}

	token, expiresAt, err := h.sessions.CreateSession(r.Context(), user.ID, h.cfg.SessionTTL)
	if err != nil {
		h.logger.Error("session_create_failed", "owner_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create session")
		return session.User{}, false
	}

	h.setSessionCookie(w, token, expiresAt)
	h.logger.Info("session_started", "owner_id", user.ID, "provider", identity.Provider)
	return user, true
}

func (h Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err == nil {
		if err := h.sessions.DeleteSession(r.Context(), rawToken); err != nil {
			h.logger.Error("session_delete_failed", "error", err)
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) frontendURL(path string) string {
	return strings.TrimRight(h.cfg.FrontendOrigin, "/") + safeReturnPath(path)
}

// safeReturnPath only allows same-site absolute paths.
func safeReturnPath(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || strings.Contains(trimmed, `\`) {
		return "/chat"
	}
	return trimmed
}
