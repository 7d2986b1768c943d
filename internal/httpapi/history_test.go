package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tutor/backend/internal/llm/llmtest"
	"tutor/backend/internal/store"
)

const flashcardsReply = "```json\n{\"title\":\"Cell Biology\",\"flashcards\":[{\"question\":\"What is the powerhouse of the cell?\",\"answer\":\"The mitochondria\"},{\"question\":\"What holds DNA?\",\"answer\":\"The nucleus\"}]}\n```"

func TestFlashcardsPersistAndListAsActivities(t *testing.T) {
	provider := llmtest.New().Otherwise(llmtest.Script{Text: flashcardsReply})
	handler, database := newTestHandler(t, provider)
	user := seedUser(t, database, "user-1")

	conversation, err := handler.conversations.CreateConversation(context.Background(), user.ID, "Biology", []store.NewTurn{
		{Role: store.RoleUser, Content: "what is a cell?"},
		{Role: store.RoleAssistant, Content: "the smallest unit of life"},
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	body := `{"history":[{"role":"user","content":"what is a cell?"},{"role":"model","content":"the smallest unit of life"}],"chatId":"` + conversation.ID + `"}`
	req := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/api/chat/flashcards", strings.NewReader(body)), user)
	resp := httptest.NewRecorder()
	handler.Flashcards(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	var created struct {
		Title      string `json:"title"`
		Count      int    `json:"count"`
		ActivityID string `json:"activityId"`
		Flashcards []struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		} `json:"flashcards"`
	}
	decodeJSONBody(t, resp, &created)
	if created.Title != "Cell Biology" || created.Count != 2 || len(created.Flashcards) != 2 || created.ActivityID == "" {
		t.Fatalf("unexpected flashcards response: %+v", created)
	}

	listReq := requestWithSessionUser(httptest.NewRequest(http.MethodGet, "/api/chat/activities?chatId="+conversation.ID, nil), user)
	listResp := httptest.NewRecorder()
	handler.ListActivities(listResp, listReq)

	var listed struct {
		Activities []activityResponse `json:"activities"`
	}
	decodeJSONBody(t, listResp, &listed)
	if len(listed.Activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(listed.Activities))
	}
	activity := listed.Activities[0]
	if activity.ID != created.ActivityID || activity.Type != "flashcard" || activity.Count != 2 || !strings.Contains(string(activity.Data), "mitochondria") {
		t.Fatalf("unexpected activity: %+v", activity)
	}
	if activity.UserID != user.ID || activity.ConversationID != conversation.ID {
		t.Fatalf("expected activity owned by %q in chat %q, got %+v", user.ID, conversation.ID, activity)
	}
	if !strings.Contains(listResp.Body.String(), `"_id":"`+activity.ID+`"`) {
		t.Fatalf("expected _id key in %s", listResp.Body.String())
	}

	deleteReq := requestWithRouteID(requestWithSessionUser(httptest.NewRequest(http.MethodDelete, "/api/chat/activities/"+activity.ID, nil), user), activity.ID)
	deleteResp := httptest.NewRecorder()
	handler.DeleteActivity(deleteResp, deleteReq)
	if deleteResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, deleteResp.Code)
	}

	againResp := httptest.NewRecorder()
	handler.DeleteActivity(againResp, deleteReq)
	if againResp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, againResp.Code)
	}
}

func TestQuizWithoutSessionIsNotPersisted(t *testing.T) {
	reply := `{"quiz":[{"question":"2+2?","options":["3","4","5","6"],"correctAnswer":1,"explanation":"basic addition"}]}`
	provider := llmtest.New().Otherwise(llmtest.Script{Text: reply})
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/quiz", strings.NewReader(`{"history":[{"role":"user","content":"teach me addition"}]}`))
	resp := httptest.NewRecorder()
	handler.Quiz(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	var body map[string]any
	decodeJSONBody(t, resp, &body)
	if _, present := body["activityId"]; present {
		t.Fatalf("expected no activityId, got %v", body)
	}
	title, _ := body["title"].(string)
	if !strings.HasPrefix(title, "Quiz (") {
		t.Fatalf("expected default quiz title, got %q", title)
	}
	if quiz, _ := body["quiz"].([]any); len(quiz) != 1 {
		t.Fatalf("unexpected quiz: %v", body["quiz"])
	}
}

func TestArtifactRejectsEmptyHistory(t *testing.T) {
	handler, _ := newTestHandler(t, llmtest.New())

	req := httptest.NewRequest(http.MethodPost, "/api/chat/flashcards", strings.NewReader(`{"history":[]}`))
	resp := httptest.NewRecorder()
	handler.Flashcards(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestArtifactMalformedOutputIsBadGateway(t *testing.T) {
	provider := llmtest.New().Otherwise(llmtest.Script{Text: `{"quiz":[{"question":"?","options":["a","b"],"correctAnswer":0}]}`})
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/quiz", strings.NewReader(`{"history":[{"role":"user","content":"hi"}]}`))
	resp := httptest.NewRecorder()
	handler.Quiz(resp, req)

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, resp.Code)
	}
}

func TestConversationGetAndDelete(t *testing.T) {
	handler, database := newTestHandler(t, llmtest.New())
	user := seedUser(t, database, "user-1")
	other := seedUser(t, database, "user-2")

	conversation, err := handler.conversations.CreateConversation(context.Background(), user.ID, "Fractions", []store.NewTurn{
		{Role: store.RoleUser, Content: "what is 1/2 + 1/4?"},
		{Role: store.RoleAssistant, Content: "3/4"},
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	getReq := requestWithRouteID(requestWithSessionUser(httptest.NewRequest(http.MethodGet, "/api/chat/"+conversation.ID, nil), user), conversation.ID)
	getResp := httptest.NewRecorder()
	handler.GetConversation(getResp, getReq)
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, getResp.Code, getResp.Body.String())
	}
	var loaded struct {
		Chat conversationResponse `json:"chat"`
	}
	decodeJSONBody(t, getResp, &loaded)
	if loaded.Chat.ID != conversation.ID || loaded.Chat.UserID != user.ID || loaded.Chat.Title != "Fractions" || len(loaded.Chat.Messages) != 2 {
		t.Fatalf("unexpected chat: %+v", loaded.Chat)
	}
	if loaded.Chat.Messages[1].Role != "model" {
		t.Fatalf("expected assistant turn rendered as model, got %q", loaded.Chat.Messages[1].Role)
	}
	if loaded.Chat.Messages[0].Timestamp == "" {
		t.Fatal("expected message timestamp")
	}

	foreignReq := requestWithRouteID(requestWithSessionUser(httptest.NewRequest(http.MethodGet, "/api/chat/"+conversation.ID, nil), other), conversation.ID)
	foreignResp := httptest.NewRecorder()
	handler.GetConversation(foreignResp, foreignReq)
	if foreignResp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for foreign owner, got %d", http.StatusNotFound, foreignResp.Code)
	}

	deleteReq := requestWithRouteID(requestWithSessionUser(httptest.NewRequest(http.MethodDelete, "/api/chat/"+conversation.ID, nil), user), conversation.ID)
	deleteResp := httptest.NewRecorder()
	handler.DeleteConversation(deleteResp, deleteReq)
	if deleteResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, deleteResp.Code)
	}
	var deleted struct {
		Message string `json:"message"`
	}
	decodeJSONBody(t, deleteResp, &deleted)
	if deleted.Message != "Chat deleted successfully" {
		t.Fatalf("unexpected delete message %q", deleted.Message)
	}

	againResp := httptest.NewRecorder()
	handler.DeleteConversation(againResp, deleteReq)
	if againResp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, againResp.Code)
	}
}

type newChatResponse struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
}

func TestListConversationsAndNewConversation(t *testing.T) {
	handler, database := newTestHandler(t, llmtest.New())
	user := seedUser(t, database, "user-1")

	createReq := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/api/chat/new", strings.NewReader(`{"title":"  Algebra   basics "}`)), user)
	createResp := httptest.NewRecorder()
	handler.NewConversation(createResp, createReq)
	if createResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, createResp.Code, createResp.Body.String())
	}
	var created newChatResponse
	decodeJSONBody(t, createResp, &created)
	if created.Message != "New chat session created" || created.ChatID == "" {
		t.Fatalf("unexpected new chat response: %+v", created)
	}

	emptyReq := requestWithSessionUser(httptest.NewRequest(http.MethodPost, "/api/chat/new", nil), user)
	emptyResp := httptest.NewRecorder()
	handler.NewConversation(emptyResp, emptyReq)
	if emptyResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, emptyResp.Code, emptyResp.Body.String())
	}

	listReq := requestWithSessionUser(httptest.NewRequest(http.MethodGet, "/api/chat/history", nil), user)
	listResp := httptest.NewRecorder()
	handler.ListConversations(listResp, listReq)

	var listed struct {
		Chats []conversationSummaryResponse `json:"chats"`
	}
	decodeJSONBody(t, listResp, &listed)
	if len(listed.Chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(listed.Chats))
	}
	titles := map[string]string{}
	for _, summary := range listed.Chats {
		titles[summary.Title] = summary.ID
	}
	if titles["Algebra basics"] != created.ChatID || titles["New Chat"] == "" {
		t.Fatalf("unexpected chats: %v", titles)
	}
}

func TestNewConversationWithoutSessionReturnsUnsavedID(t *testing.T) {
	deps, _ := testDependencies(t, llmtest.New())
	router := NewRouter(testConfig(), deps)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/chat/new", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	var created newChatResponse
	decodeJSONBody(t, resp, &created)
	if created.Message != "New chat session created" || created.ChatID == "" {
		t.Fatalf("unexpected new chat response: %+v", created)
	}

	// The id is not stored, so it cannot be loaded back.
	getResp := httptest.NewRecorder()
	router.ServeHTTP(getResp, httptest.NewRequest(http.MethodGet, "/api/chat/"+created.ChatID, nil))
	if getResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, getResp.Code)
	}
}

func TestNewConversationRejectsOversizedBody(t *testing.T) {
	handler, _ := newTestHandler(t, llmtest.New())

	body := `{"title":"` + strings.Repeat("x", maxJSONRequestBytes) + `"}`
	resp := httptest.NewRecorder()
	handler.NewConversation(resp, httptest.NewRequest(http.MethodPost, "/api/chat/new", strings.NewReader(body)))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestRouterRequiresSessionForHistory(t *testing.T) {
	deps, _ := testDependencies(t, llmtest.New())
	router := NewRouter(testConfig(), deps)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/chat/history", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}

	modelsResp := httptest.NewRecorder()
	router.ServeHTTP(modelsResp, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if modelsResp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, modelsResp.Code)
	}
	var models struct {
		Models       []map[string]any `json:"models"`
		DefaultModel string           `json:"defaultModel"`
	}
	decodeJSONBody(t, modelsResp, &models)
	if len(models.Models) != 3 || models.DefaultModel != "primary" {
		t.Fatalf("unexpected models response: %+v", models)
	}

	metricsResp := httptest.NewRecorder()
	router.ServeHTTP(metricsResp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metricsResp.Code != http.StatusOK || !strings.Contains(metricsResp.Body.String(), "go_goroutines") {
		t.Fatalf("expected prometheus exposition, got %d", metricsResp.Code)
	}
}
