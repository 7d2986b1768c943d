package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tutor/backend/internal/chat"
	"tutor/backend/internal/store"
)

// Response shapes follow what the web client already reads: Mongo-style
// _id keys, chatId for the conversation and singular activity types.

type conversationSummaryResponse struct {
	ID        string `json:"_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type messageResponse struct {
	Role           string `json:"role"`
	Content        string `json:"content"`
	HasImage       bool   `json:"hasImage,omitempty"`
	ImageMediaType string `json:"imageMediaType,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type conversationResponse struct {
	ID        string            `json:"_id"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
	Messages  []messageResponse `json:"messages"`
}

type activityResponse struct {
	ID             string          `json:"_id"`
	UserID         string          `json:"userId"`
	ConversationID any             `json:"chatId"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Data           json.RawMessage `json:"data"`
	Count          int             `json:"count"`
	CreatedAt      string          `json:"createdAt"`
}

func (h Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	summaries, err := h.conversations.ListConversations(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("list_conversations_failed", "owner_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list conversations")
		return
	}

	out := make([]conversationSummaryResponse, 0, len(summaries))
	for _, summary := range summaries {
		out = append(out, conversationSummaryResponse{
			ID:        summary.ID,
			Title:     summary.Title,
			CreatedAt: summary.CreatedAt.Format(time.RFC3339),
			UpdatedAt: summary.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (h Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	conversation, err := h.conversations.GetConversation(r.Context(), user.ID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("get_conversation_failed", "owner_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load conversation")
		return
	}

	messages := make([]messageResponse, 0, len(conversation.Turns))
	for _, turn := range conversation.Turns {
		role := string(turn.Role)
		if turn.Role == store.RoleAssistant {
			role = chat.RoleModel
		}
		messages = append(messages, messageResponse{
			Role:           role,
			Content:        turn.Content,
			HasImage:       turn.ImagePath != "",
			ImageMediaType: turn.ImageMediaType,
			Timestamp:      turn.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"chat": conversationResponse{
		ID:        conversation.ID,
		UserID:    conversation.OwnerID,
		Title:     conversation.Title,
		CreatedAt: conversation.CreatedAt.Format(time.RFC3339),
		UpdatedAt: conversation.UpdatedAt.Format(time.RFC3339),
		Messages:  messages,
	}})
}

// DeleteConversation removes the conversation, its artifacts and any stored
// turn images. A second delete reports not found.
func (h Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	conversationID := chi.URLParam(r, "id")
	imagePaths, err := h.conversations.DeleteConversation(r.Context(), user.ID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("delete_conversation_failed", "owner_id", user.ID, "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete conversation")
		return
	}

	if h.blobs != nil {
		for _, imagePath := range imagePaths {
			if err := h.blobs.DeleteObject(r.Context(), imagePath); err != nil {
				h.logger.Warn("turn_image_delete_failed", "backend", h.blobs.Backend(), "path", imagePath, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "Chat deleted successfully"})
}

func (h Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	query := r.URL.Query()
	conversationID := firstNonEmpty(query.Get("conversationId"), query.Get("chatId"))
	artifacts, err := h.conversations.ListArtifacts(r.Context(), user.ID, conversationID)
	if err != nil {
		h.logger.Error("list_activities_failed", "owner_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list activities")
		return
	}

	out := make([]activityResponse, 0, len(artifacts))
	for _, item := range artifacts {
		out = append(out, activityResponse{
			ID:             item.ID,
			UserID:         item.OwnerID,
			ConversationID: nullableID(item.ConversationID),
			Type:           activityType(item.Kind),
			Title:          item.Title,
			Data:           item.Items,
			Count:          item.ItemCount,
			CreatedAt:      item.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": out})
}

func (h Handler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	err := h.conversations.DeleteArtifact(r.Context(), user.ID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
		return
	}
	if err != nil {
		h.logger.Error("delete_activity_failed", "owner_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "failed to delete activity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Activity deleted successfully"})
}

// activityType names an artifact kind the way the client labels activities.
func activityType(kind store.ArtifactKind) string {
	if kind == store.KindFlashcards {
		return "flashcard"
	}
	return string(kind)
}

func (h Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":       h.catalog.Models(),
		"defaultModel": strings.TrimSpace(h.catalog.DefaultModel()),
	})
}
