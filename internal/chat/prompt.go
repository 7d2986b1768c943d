package chat

import (
	"strings"

	"tutor/backend/internal/llm"
)

const SystemPrompt = `You are an expert AI tutor for "Room To Grow" - a personalized learning platform.
Your goal is to help students learn any subject through:
- Clear, patient explanations tailored to their level
- Asking guiding questions to promote critical thinking
- Breaking down complex topics into digestible pieces
- Encouraging students and celebrating their progress
- Adapting your teaching style based on the student's responses

Be friendly, supportive, and engaging. Always aim to teach, not just answer.

IMPORTANT: If you detect that the student is switching to a significantly different topic (e.g., from math to science, history to programming),
acknowledge it naturally in your response and gently suggest they start a new chat to keep their flash cards and quizzes focused.
For example: "I see you want to learn about [new topic] now! I'd recommend starting a new chat for this to keep your study materials organized and focused on one topic at a time."
Only mention this for major topic shifts, not minor variations within the same subject.`

const maxNotesRunes = 20000

// RoleModel is how the client names assistant turns.
const RoleModel = "model"

// HistoryTurn is one prior turn as the client sends it.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (t HistoryTurn) llmRole() llm.Role {
	switch strings.ToLower(strings.TrimSpace(t.Role)) {
	case RoleModel, string(llm.RoleAssistant):
		return llm.RoleAssistant
	default:
		return llm.RoleUser
	}
}

func buildPrompt(systemPrompt string, req Request) []llm.Message {
	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Text: systemPrompt})

	for _, turn := range req.History {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: turn.llmRole(), Text: turn.Content})
	}

	current := llm.Message{Role: llm.RoleUser, Text: userText(req)}
	if req.Image != nil && len(req.Image.Data) > 0 {
		current.Image = &llm.InlineImage{MediaType: req.Image.MediaType, Data: req.Image.Data}
	}
	return append(messages, current)
}

// userText appends attached notes after the question. Notes reach the model
// only; the stored user turn keeps the bare message.
func userText(req Request) string {
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		return req.Message
	}
	if runes := []rune(notes); len(runes) > maxNotesRunes {
		notes = string(runes[:maxNotesRunes])
	}

	var b strings.Builder
	b.WriteString(req.Message)
	b.WriteString("\n\n---\nStudy notes")
	if name := strings.TrimSpace(req.NotesName); name != "" {
		b.WriteString(" (")
		b.WriteString(name)
		b.WriteString(")")
	}
	b.WriteString(":\n")
	b.WriteString(notes)
	return b.String()
}
