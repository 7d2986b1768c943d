// Package openaicompat adapts any OpenAI-compatible chat completions endpoint
// (OpenAI itself, Gemini's compatibility layer, local gateways) to
// llm.Provider.
package openaicompat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"tutor/backend/internal/config"
	"tutor/backend/internal/llm"
)

const providerName = "openai"

var ErrMissingAPIKey = errors.New("openai api key is not configured")

type Client struct {
	client *openai.Client
	hasKey bool
}

func NewClient(cfg config.Config, httpClient *http.Client) *Client {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.OpenAIAPIKey))
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		hasKey: strings.TrimSpace(cfg.OpenAIAPIKey) != "",
	}
}

func (c *Client) Name() string {
	return providerName
}

func (c *Client) StreamCompletion(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if !c.hasKey {
		return nil, &llm.Error{Kind: llm.KindAuthOrConfig, Provider: providerName, Model: req.Model, Err: ErrMissingAPIKey}
	}
	streamReq := toRequest(req)
	streamReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.client.CreateChatCompletionStream(ctx, streamReq)
	if err != nil {
		return nil, classify(req.Model, err)
	}
	return &chatStream{stream: stream, model: req.Model}, nil
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	if !c.hasKey {
		return "", &llm.Error{Kind: llm.KindAuthOrConfig, Provider: providerName, Model: req.Model, Err: ErrMissingAPIKey}
	}
	resp, err := c.client.CreateChatCompletion(ctx, toRequest(req))
	if err != nil {
		return "", classify(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", &llm.Error{Kind: llm.KindTransient, Provider: providerName, Model: req.Model, Message: "response contained no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func toRequest(req llm.Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	if req.JSONResponse {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	for _, msg := range req.Messages {
		if msg.Image == nil {
			out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Text})
			continue
		}
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role: string(msg.Role),
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: msg.Text},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    msg.Image.DataURL(),
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		})
	}
	return out
}

type chatStream struct {
	stream *openai.ChatCompletionStream
	model  string
	usage  *llm.Usage
}

func (s *chatStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", classify(s.model, err)
		}
		if resp.Usage != nil {
			s.usage = &llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		var delta strings.Builder
		for _, choice := range resp.Choices {
			delta.WriteString(choice.Delta.Content)
		}
		if delta.Len() > 0 {
			return delta.String(), nil
		}
	}
}

func (s *chatStream) Usage() (llm.Usage, bool) {
	if s.usage == nil {
		return llm.Usage{}, false
	}
	return *s.usage, true
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

func classify(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		classified := llm.NewStatusError(providerName, model, apiErr.HTTPStatusCode, apiErr.Message)
		classified.Err = err
		return classified
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		classified := llm.NewStatusError(providerName, model, reqErr.HTTPStatusCode, strings.TrimSpace(string(reqErr.Body)))
		classified.Err = err
		return classified
	}

	return llm.WrapTransport(providerName, model, err)
}
