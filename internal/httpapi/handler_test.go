package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"tutor/backend/internal/artifact"
	"tutor/backend/internal/auth"
	"tutor/backend/internal/chat"
	"tutor/backend/internal/config"
	"tutor/backend/internal/db"
	"tutor/backend/internal/fallback"
	"tutor/backend/internal/llm/llmtest"
	"tutor/backend/internal/metrics"
	"tutor/backend/internal/session"
	"tutor/backend/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		SessionCookieName: "tutor_session",
		SessionTTL:        time.Hour,
		FrontendOrigin:    "http://localhost:5173",
		AllowedOrigins:    []string{"http://localhost:5173"},
		MaxImageDimension: 64,
	}
}

func testCatalog() *fallback.Catalog {
	return fallback.NewCatalog(fallback.CatalogConfig{
		Models: []fallback.ModelCandidate{
			{ID: "primary", DisplayName: "Primary", Provider: "fake"},
			{ID: "backup", DisplayName: "Backup", Provider: "fake"},
			{ID: "seeing", DisplayName: "Seeing", Provider: "fake", SupportsImageInput: true},
		},
		DefaultModel: "primary",
		GeneralChain: []string{"primary", "backup"},
		VisionChain:  []string{"seeing"},
	})
}

func testDependencies(t *testing.T, provider *llmtest.Provider) (Dependencies, *sql.DB) {
	t.Helper()

	database, err := db.OpenURL(":memory:", "")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	conversations := store.New(database)
	catalog := testCatalog()
	m := metrics.New()

	return Dependencies{
		Sessions:      session.NewStore(database),
		Conversations: conversations,
		Relay:         chat.NewRelay(chat.Config{Provider: provider, Catalog: catalog, Store: conversations, Metrics: m}),
		Artifacts:     artifact.NewService(artifact.NewGenerator(provider, catalog, m, nil), conversations, m, nil),
		Catalog:       catalog,
		GitHub:        auth.NewGitHubLogin(testConfig(), nil),
		Google:        auth.NewGoogleVerifier(""),
		States:        auth.NewStateSigner("state-secret"),
		Metrics:       m,
	}, database
}

func newTestHandler(t *testing.T, provider *llmtest.Provider) (Handler, *sql.DB) {
	t.Helper()
	deps, database := testDependencies(t, provider)
	return NewHandler(testConfig(), deps), database
}

func seedUser(t *testing.T, database *sql.DB, id string) session.User {
	t.Helper()
	if _, err := database.Exec(`INSERT INTO users (id, provider, subject, username) VALUES (?, 'github', ?, ?);`, id, id+"-sub", id); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return session.User{ID: id, Provider: "github", Username: id}
}

func requestWithSessionUser(req *http.Request, user session.User) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), sessionUserContextKey, user))
}

func requestWithRouteID(req *http.Request, id string) *http.Request {
	routeContext := chi.NewRouteContext()
	routeContext.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeContext))
}

func decodeJSONBody(t *testing.T, resp *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, resp.Body.String())
	}
}
