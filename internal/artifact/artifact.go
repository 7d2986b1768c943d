// Package artifact generates flashcard sets and quizzes from a conversation
// transcript.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tutor/backend/internal/chat"
	"tutor/backend/internal/fallback"
	"tutor/backend/internal/llm"
	"tutor/backend/internal/metrics"
	"tutor/backend/internal/store"
)

type Kind string

const (
	KindFlashcards Kind = "flashcards"
	KindQuiz       Kind = "quiz"
)

const (
	quizOptionCount       = 4
	generationTemperature = 0.5
)

var ErrEmptyHistory = errors.New("history is required")

func (k Kind) Valid() bool {
	return k == KindFlashcards || k == KindQuiz
}

type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

type Artifact struct {
	ID         string
	Kind       Kind
	Title      string
	Flashcards []Flashcard
	Quiz       []QuizQuestion
	Model      string
}

// Count is always the length of the parsed item list.
func (a Artifact) Count() int {
	if a.Kind == KindQuiz {
		return len(a.Quiz)
	}
	return len(a.Flashcards)
}

func (a Artifact) itemsJSON() (json.RawMessage, error) {
	var items any = a.Flashcards
	if a.Kind == KindQuiz {
		items = a.Quiz
	}
	return json.Marshal(items)
}

func DefaultTitle(kind Kind, now time.Time) string {
	date := now.Format("Jan 2, 2006")
	if kind == KindQuiz {
		return "Quiz (" + date + ")"
	}
	return "Flash Cards (" + date + ")"
}

type Generator struct {
	provider llm.Provider
	catalog  *fallback.Catalog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewGenerator(provider llm.Provider, catalog *fallback.Catalog, m *metrics.Metrics, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{provider: provider, catalog: catalog, metrics: m, logger: logger, now: time.Now}
}

// Generate asks the model for one artifact. Rate-limited and rejected
// models fall through to the next candidate; a reply that does not parse
// fails the call with a *ParseError.
func (g *Generator) Generate(ctx context.Context, kind Kind, history []chat.HistoryTurn, modelID string) (Artifact, error) {
	if !kind.Valid() {
		return Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	if len(history) == 0 {
		return Artifact{}, ErrEmptyHistory
	}

	prompt := buildPrompt(kind, history)
	observe := g.metrics.AttemptObserver(string(kind))
	runner := fallback.Runner{OnAttempt: func(attempt fallback.Attempt) {
		observe(attempt)
		if attempt.Err != nil {
			g.logger.Warn("model_attempt_failed", "operation", string(kind), "model", attempt.Model, "attempt", attempt.Index, "error", attempt.Err)
		}
	}}

	var raw string
	model, err := runner.Run(ctx, g.catalog.GenerationCandidates(modelID), func(ctx context.Context, model string) error {
		text, err := g.provider.Complete(ctx, llm.Request{
			Model:        model,
			Messages:     []llm.Message{{Role: llm.RoleUser, Text: prompt}},
			Temperature:  generationTemperature,
			JSONResponse: true,
		})
		if err != nil {
			return err
		}
		raw = text
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}

	out, err := Parse(kind, raw)
	if err != nil {
		g.logger.Error("artifact_parse_failed", "kind", string(kind), "model", model, "error", err)
		return Artifact{}, err
	}
	if out.Title == "" {
		out.Title = DefaultTitle(kind, g.now())
	}
	out.Model = model
	return out, nil
}

func buildPrompt(kind Kind, history []chat.HistoryTurn) string {
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		speaker := "Tutor"
		if strings.EqualFold(strings.TrimSpace(turn.Role), "user") {
			speaker = "Student"
		}
		lines = append(lines, speaker+": "+turn.Content)
	}
	transcript := strings.Join(lines, "\n")

	if kind == KindQuiz {
		return fmt.Sprintf(quizPrompt, transcript)
	}
	return fmt.Sprintf(flashcardPrompt, transcript)
}

const flashcardPrompt = `Based on the following conversation, generate flash cards to help the student review key concepts.
Conversation:
%s

Generate 5-10 flash cards and a descriptive title (max 40 characters) in JSON format.
Return ONLY a JSON object with this structure:
{
  "title": "descriptive title for these flashcards",
  "flashcards": [
    { "question": "...", "answer": "..." },
    ...
  ]
}`

const quizPrompt = `Based on the following conversation, generate a quiz to test the student's understanding.
Conversation:
%s

Generate a descriptive title (max 40 characters) and 5 multiple-choice questions in JSON format. Each question should have:
- "question": the question text
- "options": array of 4 possible answers
- "correctAnswer": the index (0-3) of the correct option
- "explanation": brief explanation of why the answer is correct

Return ONLY a JSON object with this structure:
{
  "title": "descriptive title for this quiz",
  "quiz": [
    {
      "question": "...",
      "options": ["A", "B", "C", "D"],
      "correctAnswer": 0,
      "explanation": "..."
    },
    ...
  ]
}`

// ArtifactStore is the part of the store the service writes to.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact store.Artifact) (store.Artifact, error)
}

type Service struct {
	generator *Generator
	store     ArtifactStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewService(generator *Generator, artifacts ArtifactStore, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{generator: generator, store: artifacts, metrics: m, logger: logger}
}

// Create generates an artifact and stores it when both an owner and a
// conversation are known. Storage failures are logged; the generated
// artifact is returned either way, without an ID.
func (s *Service) Create(ctx context.Context, ownerID, conversationID string, kind Kind, history []chat.HistoryTurn, modelID string) (Artifact, error) {
	out, err := s.generator.Generate(ctx, kind, history, modelID)
	if err != nil {
		return Artifact{}, err
	}

	ownerID = strings.TrimSpace(ownerID)
	conversationID = strings.TrimSpace(conversationID)
	if s.store == nil || ownerID == "" || conversationID == "" {
		s.metrics.ArtifactGenerated(string(kind), false)
		return out, nil
	}

	items, err := out.itemsJSON()
	if err != nil {
		s.logger.Error("artifact_encode_failed", "kind", string(kind), "error", err)
		s.metrics.ArtifactGenerated(string(kind), false)
		return out, nil
	}

	saved, err := s.store.CreateArtifact(context.WithoutCancel(ctx), store.Artifact{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Kind:           store.ArtifactKind(kind),
		Title:          out.Title,
		Items:          items,
		ItemCount:      out.Count(),
	})
	if err != nil {
		s.metrics.StoreError("create_artifact")
		s.metrics.ArtifactGenerated(string(kind), false)
		s.logger.Error("artifact_persist_failed", "kind", string(kind), "owner_id", ownerID, "conversation_id", conversationID, "error", err)
		return out, nil
	}

	out.ID = saved.ID
	s.metrics.ArtifactGenerated(string(kind), true)
	return out, nil
}
