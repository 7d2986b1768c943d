package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"tutor/backend/internal/fallback"
	"tutor/backend/internal/llm"
)

const (
	maxTitleRunes    = 50
	titleTemperature = 0.5
	titlePrompt      = "Based on this student's question, generate a short, descriptive title (max 50 characters) for this learning session. Return ONLY the title, no quotes or extra text.\n\nQuestion: %s\n\nRespond with just the title:"
)

// TitleSynthesizer names a new conversation from its first message. It
// never fails: any model error falls back to the truncated message.
type TitleSynthesizer struct {
	provider llm.Provider
	catalog  *fallback.Catalog
	runner   fallback.Runner
	logger   *slog.Logger
}

func NewTitleSynthesizer(provider llm.Provider, catalog *fallback.Catalog, runner fallback.Runner, logger *slog.Logger) *TitleSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleSynthesizer{provider: provider, catalog: catalog, runner: runner, logger: logger}
}

func (t *TitleSynthesizer) Synthesize(ctx context.Context, firstMessage string) string {
	var generated string
	model, err := t.runner.Run(ctx, t.catalog.GenerationCandidates(""), func(ctx context.Context, model string) error {
		text, err := t.provider.Complete(ctx, llm.Request{
			Model:       model,
			Messages:    []llm.Message{{Role: llm.RoleUser, Text: fmt.Sprintf(titlePrompt, firstMessage)}},
			Temperature: titleTemperature,
		})
		if err != nil {
			return err
		}
		generated = text
		return nil
	})
	if err != nil {
		t.logger.Warn("title_generation_failed", "error", err)
		return FallbackTitle(firstMessage)
	}

	title := cleanTitle(generated)
	if title == "" {
		t.logger.Warn("title_generation_empty", "model", model)
		return FallbackTitle(firstMessage)
	}
	return title
}

// FallbackTitle is the first 50 characters of the message, with "..." when
// anything was cut.
func FallbackTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= maxTitleRunes {
		return message
	}
	return string(runes[:maxTitleRunes]) + "..."
}

// titleQuotes are stripped once from each end of a generated title.
const titleQuotes = "\"'\u201c\u201d\u2018\u2019"

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if r, size := utf8.DecodeRuneInString(title); strings.ContainsRune(titleQuotes, r) {
		title = title[size:]
	}
	if r, size := utf8.DecodeLastRuneInString(title); strings.ContainsRune(titleQuotes, r) {
		title = title[:len(title)-size]
	}
	title = strings.TrimSpace(title)
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}
