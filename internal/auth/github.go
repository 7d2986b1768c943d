package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"tutor/backend/internal/config"
	"tutor/backend/internal/session"
)

const (
	ProviderGitHub       = "github"
	defaultGitHubAPIBase = "https://api.github.com"
)

type GitHubLogin struct {
	oauth   *oauth2.Config
	apiBase string
	client  *http.Client
}

func NewGitHubLogin(cfg config.Config, httpClient *http.Client) GitHubLogin {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return GitHubLogin{
		oauth: &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubCallbackURL,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBase: defaultGitHubAPIBase,
		client:  httpClient,
	}
}

// WithEndpoints points the login at alternate OAuth and API hosts.
func (g GitHubLogin) WithEndpoints(endpoint oauth2.Endpoint, apiBase string) GitHubLogin {
	cfgCopy := *g.oauth
	cfgCopy.Endpoint = endpoint
	g.oauth = &cfgCopy
	g.apiBase = strings.TrimRight(apiBase, "/")
	return g
}

func (g GitHubLogin) Enabled() bool {
	return g.oauth.ClientID != "" && g.oauth.ClientSecret != ""
}

func (g GitHubLogin) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

// Exchange trades the callback code for a token and loads the GitHub profile.
func (g GitHubLogin) Exchange(ctx context.Context, code string) (session.Identity, error) {
	if strings.TrimSpace(code) == "" {
		return session.Identity{}, errors.New("authorization code is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)

	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return session.Identity{}, fmt.Errorf("exchange github code: %w", err)
	}

	return g.fetchUser(ctx, g.oauth.Client(ctx, token))
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

func (g GitHubLogin) fetchUser(ctx context.Context, client *http.Client) (session.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBase+"/user", nil)
	if err != nil {
		return session.Identity{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return session.Identity{}, fmt.Errorf("fetch github user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return session.Identity{}, fmt.Errorf("fetch github user: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return session.Identity{}, fmt.Errorf("decode github user: %w", err)
	}
	if user.ID == 0 {
		return session.Identity{}, errors.New("github user response missing id")
	}

	return session.Identity{
		Provider:    ProviderGitHub,
		Subject:     strconv.FormatInt(user.ID, 10),
		Username:    user.Login,
		Email:       user.Email,
		DisplayName: user.Name,
		AvatarURL:   user.AvatarURL,
		ProfileURL:  user.HTMLURL,
	}, nil
}
