package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"tutor/backend/internal/config"
	"tutor/backend/internal/llm"
)

const (
	providerName      = "openrouter"
	maxErrorBodyBytes = 8 * 1024
	appTitle          = "Room To Grow"
)

var ErrMissingAPIKey = errors.New("openrouter api key is not configured")

// Message is the wire shape of one chat message. Content is sent as a plain
// string unless Parts is set.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

type Model struct {
	ID                       string
	Name                     string
	ContextWindow            int
	PromptPriceMicrosUSD     int
	CompletionPriceMicrosUSD int
	SupportsImageInput       bool
}

type Usage = llm.Usage

type chatAPIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiUsage struct {
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             json.RawMessage `json:"cost"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

type streamAPIResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type completionAPIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

type listModelsAPIResponse struct {
	Data []listModelsAPIModel `json:"data"`
}

type listModelsAPIModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
	Architecture  struct {
		InputModalities []string `json:"input_modalities"`
	} `json:"architecture"`
	Pricing struct {
		Prompt     json.RawMessage `json:"prompt"`
		Completion json.RawMessage `json:"completion"`
	} `json:"pricing"`
	TopProvider struct {
		ContextLength int `json:"context_length"`
	} `json:"top_provider"`
}

type Client struct {
	apiKey     string
	baseURL    string
	referer    string
	httpClient *http.Client
}

type upstreamStatusError struct {
	statusCode int
	body       string
}

func (e upstreamStatusError) Error() string {
	return fmt.Sprintf("openrouter models returned %d: %s", e.statusCode, e.body)
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.OpenRouterAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenRouterBaseURL), "/"),
		referer:    strings.TrimSpace(cfg.FrontendOrigin),
		httpClient: httpClient,
	}
}

func (c Client) Name() string {
	return providerName
}

// StreamCompletion opens a streamed completion. Upstream failures come back
// as *llm.Error, either here or from Recv.
func (c Client) StreamCompletion(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{ctx: ctx, model: req.Model, body: resp.Body, scanner: scanner}, nil
}

func (c Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed completionAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", llm.WrapTransport(providerName, req.Model, fmt.Errorf("decode openrouter response: %w", err))
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", classifyAPIError(req.Model, parsed.Error)
	}
	if len(parsed.Choices) == 0 {
		return "", &llm.Error{Kind: llm.KindTransient, Provider: providerName, Model: req.Model, Message: "response contained no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c Client) post(ctx context.Context, req llm.Request, stream bool) (*http.Response, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, &llm.Error{Kind: llm.KindAuthOrConfig, Provider: providerName, Model: req.Model, Err: ErrMissingAPIKey}
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, &llm.Error{Kind: llm.KindMalformedRequest, Provider: providerName, Message: "model is required"}
	}
	if len(req.Messages) == 0 {
		return nil, &llm.Error{Kind: llm.KindMalformedRequest, Provider: providerName, Model: req.Model, Message: "messages are required"}
	}

	apiReq := chatAPIRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: toMessages(req.Messages),
	}
	if req.Temperature > 0 {
		temperature := req.Temperature
		apiReq.Temperature = &temperature
	}
	if req.JSONResponse {
		apiReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if stream {
		apiReq.Stream = true
		apiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build openrouter request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Title", appTitle)
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.WrapTransport(providerName, req.Model, fmt.Errorf("request openrouter: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, llm.NewStatusError(providerName, req.Model, resp.StatusCode, errorMessage(body))
	}
	return resp, nil
}

func toMessages(in []llm.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, msg := range in {
		wire := Message{Role: string(msg.Role), Content: msg.Text}
		if msg.Image != nil {
			wire.Parts = []ContentPart{
				{Type: "text", Text: msg.Text},
				{Type: "image_url", ImageURL: &ImageURL{URL: msg.Image.DataURL()}},
			}
		}
		out = append(out, wire)
	}
	return out
}

// Stream reads server-sent completion chunks.
type Stream struct {
	ctx     context.Context
	model   string
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   *Usage
	done    bool
}

func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Usage != nil {
			s.usage = &Usage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
				CostMicrosUSD:    parseOptionalPriceMicros(parsed.Usage.Cost),
			}
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			s.done = true
			return "", classifyAPIError(s.model, parsed.Error)
		}

		var delta strings.Builder
		for _, choice := range parsed.Choices {
			delta.WriteString(choice.Delta.Content)
		}
		if delta.Len() > 0 {
			return delta.String(), nil
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", llm.WrapTransport(providerName, s.model, fmt.Errorf("read openrouter stream: %w", err))
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Usage reports token usage once the upstream has sent it, usually with the
// final chunk.
func (s *Stream) Usage() (Usage, bool) {
	if s.usage == nil {
		return Usage{}, false
	}
	return *s.usage, true
}

func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}

// classifyAPIError handles error objects embedded in a 200 response. Their
// code mirrors an HTTP status when numeric.
func classifyAPIError(model string, e *apiError) *llm.Error {
	status := 0
	raw := strings.Trim(strings.TrimSpace(string(e.Code)), `"`)
	if parsed, err := strconv.Atoi(raw); err == nil {
		status = parsed
	}
	return llm.NewStatusError(providerName, model, status, e.Message)
}

func errorMessage(body []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && strings.TrimSpace(envelope.Error.Message) != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func parseOptionalPriceMicros(raw json.RawMessage) *int {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return nil
	}
	micros := parsePriceMicros(raw)
	return &micros
}

func (c Client) ListModels(ctx context.Context) ([]Model, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	models, err := c.listModelsFromPath(ctx, "/models/user")
	if err == nil {
		return models, nil
	}

	var upstreamErr upstreamStatusError
	if errors.As(err, &upstreamErr) && (upstreamErr.statusCode == http.StatusNotFound || upstreamErr.statusCode == http.StatusMethodNotAllowed) {
		return c.listModelsFromPath(ctx, "/models")
	}

	return nil, err
}

func (c Client) listModelsFromPath(ctx context.Context, path string) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build openrouter models request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request openrouter models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, upstreamStatusError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(body)),
		}
	}

	var parsed listModelsAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode openrouter models response: %w", err)
	}

	models := make([]Model, 0, len(parsed.Data))
	for _, model := range parsed.Data {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			continue
		}

		name := strings.TrimSpace(model.Name)
		if name == "" {
			name = id
		}

		contextWindow := model.ContextLength
		if contextWindow <= 0 {
			contextWindow = model.TopProvider.ContextLength
		}

		models = append(models, Model{
			ID:                       id,
			Name:                     name,
			ContextWindow:            contextWindow,
			PromptPriceMicrosUSD:     parsePriceMicros(model.Pricing.Prompt),
			CompletionPriceMicrosUSD: parsePriceMicros(model.Pricing.Completion),
			SupportsImageInput:       acceptsImages(model.Architecture.InputModalities),
		})
	}

	return models, nil
}

func acceptsImages(modalities []string) bool {
	for _, modality := range modalities {
		if strings.EqualFold(strings.TrimSpace(modality), "image") {
			return true
		}
	}
	return false
}

func parsePriceMicros(raw json.RawMessage) int {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return 0
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return priceStringToMicros(asString)
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber < 0 {
			return 0
		}
		return int(math.Round(asNumber * 1_000_000))
	}

	return 0
}

func priceStringToMicros(raw string) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}

	if floatValue, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if floatValue < 0 {
			return 0
		}
		return int(math.Round(floatValue * 1_000_000))
	}

	rat := new(big.Rat)
	if _, ok := rat.SetString(trimmed); !ok {
		return 0
	}
	if rat.Sign() < 0 {
		return 0
	}

	rat.Mul(rat, big.NewRat(1_000_000, 1))
	value, _ := rat.Float64()
	return int(math.Round(value))
}
