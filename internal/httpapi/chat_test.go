package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tutor/backend/internal/llm"
	"tutor/backend/internal/llm/llmtest"
)

func parseSSEEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("unexpected frame %q", frame)
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &event); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		events = append(events, event)
	}
	return events
}

func TestChatStreamWritesChunksThenDone(t *testing.T) {
	provider := llmtest.New().On("primary", llmtest.Script{Deltas: []string{"A", "B", "C"}, Text: "Alphabet"})
	handler, database := newTestHandler(t, provider)
	user := seedUser(t, database, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"teach me letters","history":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req = requestWithSessionUser(req, user)
	resp := httptest.NewRecorder()

	handler.ChatStream(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	events := parseSSEEvents(t, resp.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %s", len(events), resp.Body.String())
	}
	for i, want := range []string{"A", "B", "C"} {
		if events[i]["content"] != want || events[i]["done"] != false {
			t.Fatalf("unexpected event %d: %v", i, events[i])
		}
	}
	done := events[3]
	if done["done"] != true || done["content"] != "" {
		t.Fatalf("unexpected done event: %v", done)
	}
	conversationID, _ := done["conversationId"].(string)
	if conversationID == "" {
		t.Fatalf("expected conversationId in done event: %v", done)
	}

	conversation, err := handler.conversations.GetConversation(context.Background(), user.ID, conversationID)
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if len(conversation.Turns) != 2 || conversation.Turns[1].Content != "ABC" {
		t.Fatalf("unexpected stored turns: %+v", conversation.Turns)
	}
}

func TestChatStreamAnonymousHasNullConversationID(t *testing.T) {
	provider := llmtest.New().On("primary", llmtest.Script{Deltas: []string{"hi"}})
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hello"}`))
	resp := httptest.NewRecorder()
	handler.ChatStream(resp, req)

	events := parseSSEEvents(t, resp.Body.String())
	last := events[len(events)-1]
	if last["done"] != true {
		t.Fatalf("expected done event, got %v", last)
	}
	if value, present := last["conversationId"]; !present || value != nil {
		t.Fatalf("expected null conversationId, got %v", last)
	}
}

func TestChatStreamExhaustionEmitsErrorEvent(t *testing.T) {
	provider := llmtest.New().Otherwise(llmtest.Script{Err: llm.NewStatusError("fake", "any", http.StatusTooManyRequests, "slow down")})
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"hello"}`))
	resp := httptest.NewRecorder()
	handler.ChatStream(resp, req)

	events := parseSSEEvents(t, resp.Body.String())
	if len(events) != 1 {
		t.Fatalf("expected a single error event, got %s", resp.Body.String())
	}
	if message, _ := events[0]["error"].(string); message == "" {
		t.Fatalf("expected error message, got %v", events[0])
	}
}

func TestChatStreamRejectsMissingMessage(t *testing.T) {
	handler, _ := newTestHandler(t, llmtest.New())

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"  ","history":[]}`))
	resp := httptest.NewRecorder()
	handler.ChatStream(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestChatReturnsModelRole(t *testing.T) {
	provider := llmtest.New().On("backup", llmtest.Script{Text: "Photosynthesis turns light into sugar."}).
		On("primary", llmtest.Script{Err: llm.NewStatusError("fake", "primary", http.StatusNotFound, "no such model")})
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"what is photosynthesis?","history":[{"role":"user","content":"hi"},{"role":"model","content":"hello"}],"chatId":"local-1","model":"primary"}`))
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	var body struct {
		Message        string `json:"message"`
		Role           string `json:"role"`
		ConversationID string `json:"conversationId"`
	}
	decodeJSONBody(t, resp, &body)
	if body.Role != "model" || body.Message != "Photosynthesis turns light into sugar." || body.ConversationID != "local-1" {
		t.Fatalf("unexpected body: %+v", body)
	}

	requests := provider.Requests()
	if len(requests) != 2 || len(requests[1].Messages) != 4 || requests[1].Messages[2].Role != llm.RoleAssistant {
		t.Fatalf("unexpected upstream requests: %+v", requests)
	}
}

func TestChatExhaustionReturnsServiceUnavailable(t *testing.T) {
	provider := llmtest.New().Otherwise(llmtest.Script{Err: llm.NewStatusError("fake", "any", http.StatusTooManyRequests, "slow down")})
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hello"}`))
	resp := httptest.NewRecorder()
	handler.Chat(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestChatStreamMultipartImageAndNotes(t *testing.T) {
	provider := llmtest.New().Otherwise(llmtest.Script{Deltas: []string{"a gradient"}})
	handler, _ := newTestHandler(t, provider)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("message", "what is in this picture?")
	_ = writer.WriteField("history", `[{"role":"user","content":"hi"}]`)
	_ = writer.WriteField("modelId", "primary")

	imagePart, err := writer.CreateFormFile("image", "photo.png")
	if err != nil {
		t.Fatalf("create image part: %v", err)
	}
	_, _ = imagePart.Write(pngBytes(t, 200, 100))

	notesPart, err := writer.CreateFormFile("notes", "lecture.md")
	if err != nil {
		t.Fatalf("create notes part: %v", err)
	}
	_, _ = notesPart.Write([]byte("# Colors\r\nGradients blend hues."))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	handler.ChatStream(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	requests := provider.Requests()
	if len(requests) == 0 {
		t.Fatal("expected an upstream request")
	}
	first := requests[0]
	if first.Model != "seeing" {
		t.Fatalf("expected vision model, got %q", first.Model)
	}
	current := first.Messages[len(first.Messages)-1]
	if current.Image == nil {
		t.Fatal("expected image on current turn")
	}
	decoded, _, err := image.DecodeConfig(bytes.NewReader(current.Image.Data))
	if err != nil {
		t.Fatalf("decode forwarded image: %v", err)
	}
	if decoded.Width != 64 || decoded.Height != 32 {
		t.Fatalf("expected image downscaled to 64x32, got %dx%d", decoded.Width, decoded.Height)
	}
	if !strings.Contains(current.Text, "Study notes (lecture.md):\n# Colors\nGradients blend hues.") {
		t.Fatalf("expected notes in prompt, got %q", current.Text)
	}
	if len(first.Messages) != 3 {
		t.Fatalf("expected system, history and current messages, got %d", len(first.Messages))
	}
}

func TestChatStreamRejectsNonImageUpload(t *testing.T) {
	handler, _ := newTestHandler(t, llmtest.New())

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("message", "read this")
	part, _ := writer.CreateFormFile("image", "notes.txt")
	_, _ = part.Write([]byte("plain text"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	handler.ChatStream(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusUnsupportedMediaType, resp.Code, resp.Body.String())
	}
}
