package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPort              = "8080"
	defaultSessionCookieName = "tutor_session"
	defaultSessionTTLHours   = 168
	defaultChatModel         = "google/gemini-2.0-flash-exp:free"
	defaultFrontendOrigin    = "http://localhost:5173"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenAIBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai"
	defaultUploadDir         = "/tmp/tutor-uploads"
	defaultGCSUploadPrefix   = "tutor-uploads"
	defaultMaxImageDimension = 1568
	defaultFallbackModels    = "google/gemini-2.0-flash-exp:free,meta-llama/llama-3.2-3b-instruct:free,nousresearch/hermes-3-llama-3.1-405b:free"
	defaultVisionModels      = "google/gemini-2.0-flash-exp:free,meta-llama/llama-3.2-90b-vision-instruct:free,openai/gpt-4-turbo,anthropic/claude-3.5-sonnet"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"

	UploadBackendLocal = "local"
	UploadBackendGCS   = "gcs"
	UploadBackendNone  = "none"
)

type Config struct {
	Port               string
	Environment        string
	FrontendOrigin     string
	AllowedOrigins     []string
	CookieSecure       bool
	SessionCookieName  string
	SessionTTL         time.Duration
	DatabaseURL        string
	DatabaseAuthToken  string
	LLMProvider        string
	OpenRouterAPIKey   string
	OpenRouterBaseURL  string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	ChatModel          string
	GenerationModel    string
	FallbackModels     []string
	VisionModels       []string
	ProviderMinSpacing time.Duration
	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
	GoogleClientID     string
	StateSecret        string
	UploadBackend      string
	LocalUploadDir     string
	GCSBucket          string
	GCSUploadPrefix    string
	MaxImageDimension  int
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// Load reads configuration from the environment. A .env file, if any, must
// already have been applied to the process environment.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", defaultPort)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("FRONTEND_ORIGIN", defaultFrontendOrigin)
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("SESSION_COOKIE_NAME", defaultSessionCookieName)
	v.SetDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	v.SetDefault("LLM_PROVIDER", ProviderOpenRouter)
	v.SetDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL)
	v.SetDefault("OPENAI_BASE_URL", defaultOpenAIBaseURL)
	v.SetDefault("CHAT_MODEL", defaultChatModel)
	v.SetDefault("FALLBACK_MODELS", defaultFallbackModels)
	v.SetDefault("VISION_FALLBACK_MODELS", defaultVisionModels)
	v.SetDefault("PROVIDER_MIN_INTERVAL_MS", 0)
	v.SetDefault("UPLOAD_BACKEND", UploadBackendLocal)
	v.SetDefault("LOCAL_UPLOAD_DIR", defaultUploadDir)
	v.SetDefault("GCS_UPLOAD_PREFIX", defaultGCSUploadPrefix)
	v.SetDefault("MAX_IMAGE_DIMENSION", defaultMaxImageDimension)

	cfg := Config{
		Port:               str(v, "PORT"),
		Environment:        str(v, "APP_ENV"),
		FrontendOrigin:     str(v, "FRONTEND_ORIGIN"),
		CookieSecure:       v.GetBool("COOKIE_SECURE"),
		SessionCookieName:  str(v, "SESSION_COOKIE_NAME"),
		DatabaseURL:        str(v, "DATABASE_URL"),
		DatabaseAuthToken:  str(v, "TURSO_AUTH_TOKEN"),
		LLMProvider:        strings.ToLower(str(v, "LLM_PROVIDER")),
		OpenRouterAPIKey:   str(v, "OPENROUTER_API_KEY"),
		OpenRouterBaseURL:  str(v, "OPENROUTER_BASE_URL"),
		OpenAIAPIKey:       str(v, "OPENAI_API_KEY"),
		OpenAIBaseURL:      str(v, "OPENAI_BASE_URL"),
		ChatModel:          str(v, "CHAT_MODEL"),
		GenerationModel:    str(v, "GENERATION_MODEL"),
		FallbackModels:     parseList(str(v, "FALLBACK_MODELS")),
		VisionModels:       parseList(str(v, "VISION_FALLBACK_MODELS")),
		ProviderMinSpacing: time.Duration(v.GetInt("PROVIDER_MIN_INTERVAL_MS")) * time.Millisecond,
		GitHubClientID:     str(v, "GITHUB_CLIENT_ID"),
		GitHubClientSecret: str(v, "GITHUB_CLIENT_SECRET"),
		GitHubCallbackURL:  str(v, "GITHUB_CALLBACK_URL"),
		GoogleClientID:     str(v, "GOOGLE_CLIENT_ID"),
		StateSecret:        str(v, "STATE_SIGNING_SECRET"),
		UploadBackend:      strings.ToLower(str(v, "UPLOAD_BACKEND")),
		LocalUploadDir:     str(v, "LOCAL_UPLOAD_DIR"),
		GCSBucket:          str(v, "GCS_BUCKET"),
		GCSUploadPrefix:    str(v, "GCS_UPLOAD_PREFIX"),
		MaxImageDimension:  v.GetInt("MAX_IMAGE_DIMENSION"),
	}

	// TURSO_DATABASE_URL is accepted for older deployments.
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = str(v, "TURSO_DATABASE_URL")
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = cfg.ChatModel
	}
	if cfg.IsProduction() {
		cfg.CookieSecure = true
	}

	cfg.SessionTTL = time.Duration(v.GetInt("SESSION_TTL_HOURS")) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	v.SetDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:5173,http://localhost:4173")
	origins := parseList(str(v, "CORS_ALLOWED_ORIGINS"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.DatabaseURL, "libsql://") && cfg.DatabaseAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}

	switch cfg.LLMProvider {
	case ProviderOpenRouter, ProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("LLM_PROVIDER must be %q or %q", ProviderOpenRouter, ProviderOpenAI)
	}
	if len(cfg.FallbackModels) == 0 {
		return Config{}, errors.New("FALLBACK_MODELS must include at least one model")
	}

	switch cfg.UploadBackend {
	case UploadBackendLocal, UploadBackendNone:
	case UploadBackendGCS:
		if cfg.GCSBucket == "" {
			return Config{}, errors.New("GCS_BUCKET is required when UPLOAD_BACKEND=gcs")
		}
	default:
		return Config{}, fmt.Errorf("unknown UPLOAD_BACKEND %q", cfg.UploadBackend)
	}

	if cfg.GitHubEnabled() && cfg.StateSecret == "" {
		return Config{}, errors.New("STATE_SIGNING_SECRET is required when GitHub login is configured")
	}

	return cfg, nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
