package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutor/backend/internal/config"
	"tutor/backend/internal/llm"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(config.Config{OpenAIAPIKey: "test-key", OpenAIBaseURL: server.URL}, server.Client())
}

func TestStreamCompletionYieldsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "gemini-2.0-flash", body["model"])
		assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"A\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"B\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"id\":\"1\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	stream, err := newTestClient(server).StreamCompletion(context.Background(), llm.Request{
		Model:    "gemini-2.0-flash",
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, err := llm.Drain(stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "AB", text)

	usage, ok := llm.StreamUsage(stream)
	require.True(t, ok)
	assert.Equal(t, 7, usage.PromptTokens)
	assert.Equal(t, 2, usage.CompletionTokens)
}

func TestStreamCompletionSendsImageParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content []struct {
					Type     string `json:"type"`
					Text     string `json:"text"`
					ImageURL struct {
						URL string `json:"url"`
					} `json:"image_url"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 1)
		require.Len(t, body.Messages[0].Content, 2)
		assert.Equal(t, "text", body.Messages[0].Content[0].Type)
		assert.Equal(t, "data:image/jpeg;base64,AQI=", body.Messages[0].Content[1].ImageURL.URL)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	stream, err := newTestClient(server).StreamCompletion(context.Background(), llm.Request{
		Model: "gemini-2.0-flash",
		Messages: []llm.Message{{
			Role:  llm.RoleUser,
			Text:  "describe",
			Image: &llm.InlineImage{MediaType: "image/jpeg", Data: []byte{1, 2}},
		}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, err := llm.Drain(stream, nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestCompleteClassifiesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota exceeded","type":"rate_limit_error"}}`)
	}))
	defer server.Close()

	_, err := newTestClient(server).Complete(context.Background(), llm.Request{
		Model:    "gemini-2.0-flash",
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))

	kind, ok := llm.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, llm.KindRateLimited, kind)
}

func TestCompleteRequestsJSONObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"{}"}}]}`)
	}))
	defer server.Close()

	text, err := newTestClient(server).Complete(context.Background(), llm.Request{
		Model:        "gemini-2.0-flash",
		Messages:     []llm.Message{{Role: llm.RoleUser, Text: "json please"}},
		JSONResponse: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "{}", text)
}

func TestMissingKeyIsAuthError(t *testing.T) {
	client := NewClient(config.Config{}, nil)
	_, err := client.Complete(context.Background(), llm.Request{Model: "m"})
	require.ErrorIs(t, err, ErrMissingAPIKey)

	kind, _ := llm.KindOf(err)
	assert.Equal(t, llm.KindAuthOrConfig, kind)
}
