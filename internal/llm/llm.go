// Package llm defines the provider-neutral chat completion contract shared by
// the relay, the title synthesizer and the artifact generator.
package llm

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// InlineImage is an image carried inside a user message.
type InlineImage struct {
	MediaType string
	Data      []byte
}

// DataURL renders the image as a base64 data URL, the inline form accepted by
// OpenAI-compatible providers.
func (i InlineImage) DataURL() string {
	mediaType := strings.TrimSpace(i.MediaType)
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

type Message struct {
	Role  Role
	Text  string
	Image *InlineImage
}

type Request struct {
	Model        string
	Messages     []Message
	Temperature  float32
	JSONResponse bool
}

// Stream yields text deltas. Recv returns io.EOF once the completion ends.
// Callers must Close the stream whether or not it was drained.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Usage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	CostMicrosUSD    *int `json:"costMicrosUsd,omitempty"`
}

// UsageReporter is implemented by streams whose upstream reports token
// counts. Usage is only meaningful after the stream has been drained.
type UsageReporter interface {
	Usage() (Usage, bool)
}

// StreamUsage returns the usage reported by stream, if any.
func StreamUsage(stream Stream) (Usage, bool) {
	reporter, ok := stream.(UsageReporter)
	if !ok {
		return Usage{}, false
	}
	return reporter.Usage()
}

type Provider interface {
	Name() string
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (string, error)
}

// Drain reads the stream to the end, forwarding every delta to onDelta, and
// returns the concatenated text.
func Drain(stream Stream, onDelta func(string) error) (string, error) {
	var out strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return out.String(), err
			}
		}
	}
}
