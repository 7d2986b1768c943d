package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed artifact")

// ParseError means the model answered but its output does not fit the
// artifact shape. It is never retried on another model.
type ParseError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Kind, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

type payload struct {
	Title      string        `json:"title"`
	Flashcards []Flashcard   `json:"flashcards"`
	Quiz       []rawQuizItem `json:"quiz"`
}

type rawQuizItem struct {
	Question      string          `json:"question"`
	Options       []string        `json:"options"`
	CorrectAnswer json.RawMessage `json:"correctAnswer"`
	Explanation   string          `json:"explanation"`
}

// Parse decodes a model reply into an artifact of the given kind. The reply
// may be wrapped in a markdown code fence. The title is left empty when the
// model gave none.
func Parse(kind Kind, raw string) (Artifact, error) {
	if !kind.Valid() {
		return Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}

	var decoded payload
	if err := json.Unmarshal([]byte(stripFences(raw)), &decoded); err != nil {
		return Artifact{}, &ParseError{Kind: kind, Reason: "invalid json", Err: err}
	}

	out := Artifact{Kind: kind, Title: strings.TrimSpace(decoded.Title)}
	switch kind {
	case KindFlashcards:
		cards, err := parseFlashcards(decoded.Flashcards)
		if err != nil {
			return Artifact{}, err
		}
		out.Flashcards = cards
	case KindQuiz:
		questions, err := parseQuiz(decoded.Quiz)
		if err != nil {
			return Artifact{}, err
		}
		out.Quiz = questions
	}
	return out, nil
}

func parseFlashcards(raw []Flashcard) ([]Flashcard, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Kind: KindFlashcards, Reason: "no flashcards"}
	}
	cards := make([]Flashcard, 0, len(raw))
	for i, card := range raw {
		card.Question = strings.TrimSpace(card.Question)
		card.Answer = strings.TrimSpace(card.Answer)
		if card.Question == "" || card.Answer == "" {
			return nil, &ParseError{Kind: KindFlashcards, Reason: fmt.Sprintf("flashcard %d is missing a question or answer", i)}
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func parseQuiz(raw []rawQuizItem) ([]QuizQuestion, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Kind: KindQuiz, Reason: "no questions"}
	}
	questions := make([]QuizQuestion, 0, len(raw))
	for i, item := range raw {
		if strings.TrimSpace(item.Question) == "" {
			return nil, &ParseError{Kind: KindQuiz, Reason: fmt.Sprintf("question %d has no text", i)}
		}
		if len(item.Options) != quizOptionCount {
			return nil, &ParseError{Kind: KindQuiz, Reason: fmt.Sprintf("question %d has %d options, want %d", i, len(item.Options), quizOptionCount)}
		}
		answer, err := parseAnswerIndex(item.CorrectAnswer)
		if err != nil {
			return nil, &ParseError{Kind: KindQuiz, Reason: fmt.Sprintf("question %d", i), Err: err}
		}
		questions = append(questions, QuizQuestion{
			Question:      strings.TrimSpace(item.Question),
			Options:       append([]string(nil), item.Options...),
			CorrectAnswer: answer,
			Explanation:   strings.TrimSpace(item.Explanation),
		})
	}
	return questions, nil
}

// parseAnswerIndex accepts 2 or "2".
func parseAnswerIndex(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("correctAnswer is missing")
	}

	var index int
	if err := json.Unmarshal(raw, &index); err != nil {
		var text string
		if strErr := json.Unmarshal(raw, &text); strErr != nil {
			return 0, fmt.Errorf("correctAnswer %s is not an integer", raw)
		}
		parsed, convErr := strconv.Atoi(strings.TrimSpace(text))
		if convErr != nil {
			return 0, fmt.Errorf("correctAnswer %q is not an integer", text)
		}
		index = parsed
	}

	if index < 0 || index >= quizOptionCount {
		return 0, fmt.Errorf("correctAnswer %d is outside 0-%d", index, quizOptionCount-1)
	}
	return index, nil
}

func stripFences(raw string) string {
	text := strings.ReplaceAll(raw, "```json", "")
	text = strings.ReplaceAll(text, "```JSON", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}
