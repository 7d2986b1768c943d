package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tutor/backend/internal/artifact"
	"tutor/backend/internal/auth"
	"tutor/backend/internal/blob"
	"tutor/backend/internal/chat"
	"tutor/backend/internal/config"
	"tutor/backend/internal/db"
	"tutor/backend/internal/fallback"
	"tutor/backend/internal/httpapi"
	"tutor/backend/internal/llm"
	"tutor/backend/internal/metrics"
	"tutor/backend/internal/openaicompat"
	"tutor/backend/internal/openrouter"
	"tutor/backend/internal/session"
	"tutor/backend/internal/store"
)

const shutdownTimeout = 10 * time.Second

var (
	rootCmd = &cobra.Command{
		Use:   "tutor",
		Short: "Study assistant API: streaming tutor chat, flashcards and quizzes.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// A missing .env is fine; the process environment still applies.
			_ = godotenv.Load()
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			database, err := db.Open(cfg)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()
			if err := db.Migrate(cmd.Context(), database); err != nil {
				return err
			}
			slog.Info("schema_applied")
			return nil
		},
	}

	resetConfirmed bool
	resetCmd       = &cobra.Command{
		Use:   "reset",
		Short: "Delete every user, session, conversation and artifact.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !resetConfirmed {
				return errors.New("refusing to reset without --yes")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			database, err := db.Open(cfg)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer database.Close()
			if err := db.Reset(cmd.Context(), database); err != nil {
				return err
			}
			slog.Warn("database_reset")
			return nil
		},
	}

	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List models available from OpenRouter and mark the configured ones.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			models, err := openrouter.NewClient(cfg, nil).ListModels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}

			catalog := newCatalog(cfg)
			configured := make(map[string]bool)
			for _, chain := range [][]string{catalog.Candidates("", false), catalog.Candidates("", true), catalog.GenerationCandidates("")} {
				for _, id := range chain {
					configured[id] = true
				}
			}

			out := cmd.OutOrStdout()
			for _, model := range models {
				marker := " "
				if configured[model.ID] {
					marker = "*"
				}
				vision := ""
				if model.SupportsImageInput {
					vision = " [vision]"
				}
				fmt.Fprintf(out, "%s %s (%s) ctx=%d%s\n", marker, model.ID, model.Name, model.ContextWindow, vision)
			}
			return nil
		},
	}
)

func init() {
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm deleting all data")
	rootCmd.AddCommand(migrateCmd, resetCmd, modelsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command_failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)
	return cfg, nil
}

func setupLogger(cfg config.Config) {
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func newCatalog(cfg config.Config) *fallback.Catalog {
	return fallback.NewCatalog(fallback.CatalogConfig{
		Models:          fallback.DefaultModels(),
		DefaultModel:    cfg.ChatModel,
		GenerationModel: cfg.GenerationModel,
		GeneralChain:    cfg.FallbackModels,
		VisionChain:     cfg.VisionModels,
	})
}

func newProvider(cfg config.Config) llm.Provider {
	var provider llm.Provider
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		provider = openaicompat.NewClient(cfg, nil)
	default:
		provider = openrouter.NewClient(cfg, nil)
	}
	return llm.NewPacedProvider(provider, cfg.ProviderMinSpacing)
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	database, err := db.Open(cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(ctx, database); err != nil {
		return err
	}

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open upload store: %w", err)
	}

	provider := newProvider(cfg)
	catalog := newCatalog(cfg)
	m := metrics.New()
	conversations := store.New(database)

	relay := chat.NewRelay(chat.Config{
		Provider:   provider,
		Catalog:    catalog,
		Store:      conversations,
		Blobs:      blobs,
		BlobPrefix: cfg.GCSUploadPrefix,
		Metrics:    m,
		Logger:     logger,
	})
	artifacts := artifact.NewService(artifact.NewGenerator(provider, catalog, m, logger), conversations, m, logger)

	router := httpapi.NewRouter(cfg, httpapi.Dependencies{
		Sessions:      session.NewStore(database),
		Conversations: conversations,
		Relay:         relay,
		Artifacts:     artifacts,
		Catalog:       catalog,
		Blobs:         blobs,
		GitHub:        auth.NewGitHubLogin(cfg, nil),
		Google:        auth.NewGoogleVerifier(cfg.GoogleClientID),
		States:        auth.NewStateSigner(cfg.StateSecret),
		Metrics:       m,
		Logger:        logger,
	})

	// Streams run as long as the model keeps talking, so there is no write
	// deadline; ReadHeaderTimeout still bounds slow clients.
	srv := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	uploadBackend := "none"
	if blobs != nil {
		uploadBackend = blobs.Backend()
	}
	logger.Info("api_listening",
		"addr", cfg.ListenAddress(),
		"provider", provider.Name(),
		"default_model", catalog.DefaultModel(),
		"uploads", uploadBackend,
		"github_login", cfg.GitHubEnabled(),
		"google_login", strings.TrimSpace(cfg.GoogleClientID) != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown_failed", "error", err)
			return err
		}
		logger.Info("api_stopped")
		return nil
	})
	return g.Wait()
}
