package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tutor/backend/internal/artifact"
	"tutor/backend/internal/chat"
)

func (h Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := h.readChatRequest(w, r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.relay.RelayOnce(r.Context(), req)
	if err != nil {
		h.logger.Error("chat_failed", "conversation_id", req.ConversationID, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        result.Text,
		"role":           chat.RoleModel,
		"conversationId": nullableID(result.ConversationID),
	})
}

func (h Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.readChatRequest(w, r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.relay.RelayStreamed(r.Context(), req, &sseSink{w: w, flusher: flusher, handler: h})
}

// sseSink frames relay events as "data: {json}\n\n".
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	handler Handler
}

func (s *sseSink) write(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", encoded); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) OnChunk(delta string) error {
	return s.write(map[string]any{"content": delta, "done": false})
}

func (s *sseSink) OnComplete(conversationID string) {
	_ = s.write(map[string]any{"content": "", "done": true, "conversationId": nullableID(conversationID)})
}

func (s *sseSink) OnError(err error) {
	_ = s.write(map[string]any{"error": classifyError(err).message})
}

type artifactRequest struct {
	History        []chat.HistoryTurn `json:"history"`
	ConversationID string             `json:"conversationId"`
	ChatID         string             `json:"chatId"`
	ModelID        string             `json:"modelId"`
	Model          string             `json:"model"`
}

func (h Handler) Flashcards(w http.ResponseWriter, r *http.Request) {
	h.createArtifact(w, r, artifact.KindFlashcards)
}

func (h Handler) Quiz(w http.ResponseWriter, r *http.Request) {
	h.createArtifact(w, r, artifact.KindQuiz)
}

func (h Handler) createArtifact(w http.ResponseWriter, r *http.Request, kind artifact.Kind) {
	var req artifactRequest
	if err := readJSON(w, r, &req, maxJSONRequestBytes); err != nil {
		writeDomainError(w, err)
		return
	}

	ownerID := ""
	if user, ok := sessionUserFromContext(r.Context()); ok {
		ownerID = user.ID
	}
	conversationID := firstNonEmpty(req.ConversationID, req.ChatID)

	generated, err := h.artifacts.Create(r.Context(), ownerID, conversationID, kind, req.History, firstNonEmpty(req.ModelID, req.Model))
	if err != nil {
		h.logger.Error("artifact_generation_failed", "kind", string(kind), "conversation_id", conversationID, "error", err)
		writeDomainError(w, err)
		return
	}

	response := map[string]any{
		"title": generated.Title,
		"count": generated.Count(),
	}
	if kind == artifact.KindQuiz {
		response["quiz"] = generated.Quiz
	} else {
		response["flashcards"] = generated.Flashcards
	}
	if generated.ID != "" {
		response["activityId"] = generated.ID
	}
	writeJSON(w, http.StatusOK, response)
}

type newConversationRequest struct {
	Title string `json:"title"`
}

const defaultConversationTitle = "New Chat"

// NewConversation opens a chat session. Signed-in users get an empty stored
// conversation the first exchange will retitle; anonymous callers only get a
// fresh id, since nothing of theirs is persisted.
func (h Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	var req newConversationRequest
	if err := readOptionalJSON(w, r, &req, maxJSONRequestBytes); err != nil {
		writeDomainError(w, err)
		return
	}

	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, newConversationResponse(uuid.NewString()))
		return
	}

	title := strings.Join(strings.Fields(req.Title), " ")
	if title == "" {
		title = defaultConversationTitle
	}
	conversation, err := h.conversations.CreateConversation(r.Context(), user.ID, trimToRunes(title, 120), nil)
	if err != nil {
		h.logger.Error("create_conversation_failed", "owner_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusOK, newConversationResponse(conversation.ID))
}

func newConversationResponse(id string) map[string]any {
	return map[string]any{"message": "New chat session created", "chatId": id}
}

func nullableID(id string) any {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return id
}
