// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"io"
	"sync"

	"tutor/backend/internal/llm"
)

// Script describes how one model answers.
type Script struct {
	Deltas []string
	Text   string
	Err    error
	// StreamErr is returned after Deltas have been delivered.
	StreamErr error
	// Block, when set, is received from before each delta after the first.
	Block <-chan struct{}
	// Usage is reported by the stream once every delta has been read.
	Usage *llm.Usage
}

type Provider struct {
	mu       sync.Mutex
	scripts  map[string]Script
	fallback *Script
	requests []llm.Request
	closed   int
}

func New() *Provider {
	return &Provider{scripts: make(map[string]Script)}
}

func (p *Provider) On(model string, script Script) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[model] = script
	return p
}

// Otherwise sets the script for models without an explicit one.
func (p *Provider) Otherwise(script Script) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = &script
	return p
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Provider) Models() []string {
	requests := p.Requests()
	out := make([]string, 0, len(requests))
	for _, req := range requests {
		out = append(out, req.Model)
	}
	return out
}

func (p *Provider) ClosedStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) script(req llm.Request) Script {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if script, ok := p.scripts[req.Model]; ok {
		return script
	}
	if p.fallback != nil {
		return *p.fallback
	}
	return Script{Err: llm.NewStatusError("fake", req.Model, 404, "unknown model")}
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (llm.Stream, error) {
	script := p.script(req)
	if script.Err != nil {
		return nil, script.Err
	}
	return &stream{ctx: ctx, script: script, owner: p}, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	script := p.script(req)
	if script.Err != nil {
		return "", script.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return script.Text, nil
}

type stream struct {
	ctx    context.Context
	script Script
	owner  *Provider
	next   int
	once   sync.Once
}

func (s *stream) Recv() (string, error) {
	if s.next > 0 && s.script.Block != nil && s.next < len(s.script.Deltas) {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-s.script.Block:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.next < len(s.script.Deltas) {
		delta := s.script.Deltas[s.next]
		s.next++
		return delta, nil
	}
	if s.script.StreamErr != nil {
		return "", s.script.StreamErr
	}
	return "", io.EOF
}

func (s *stream) Usage() (llm.Usage, bool) {
	if s.script.Usage == nil || s.next < len(s.script.Deltas) {
		return llm.Usage{}, false
	}
	return *s.script.Usage, true
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		s.owner.closed++
		s.owner.mu.Unlock()
	})
	return nil
}
