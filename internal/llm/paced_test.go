package llm

import (
	"context"
	"sync"
	"testing"
	"time"
)

type timedProvider struct {
	mu        sync.Mutex
	callTimes []time.Time
}

func (p *timedProvider) Name() string { return "timed" }

func (p *timedProvider) StreamCompletion(_ context.Context, _ Request) (Stream, error) {
	p.record()
	return nil, nil
}

func (p *timedProvider) Complete(_ context.Context, _ Request) (string, error) {
	p.record()
	return "ok", nil
}

func (p *timedProvider) record() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callTimes = append(p.callTimes, time.Now())
}

func (p *timedProvider) times() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.callTimes))
	copy(out, p.callTimes)
	return out
}

func TestPacedProviderAppliesMinimumSpacing(t *testing.T) {
	provider := &timedProvider{}
	paced := NewPacedProvider(provider, 40*time.Millisecond)

	if _, err := paced.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := paced.StreamCompletion(context.Background(), Request{}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	calls := provider.times()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[1].Sub(calls[0]) < 35*time.Millisecond {
		t.Fatalf("expected calls to be spaced by at least 35ms, got %v", calls[1].Sub(calls[0]))
	}
}

func TestPacedProviderHonorsContextDeadline(t *testing.T) {
	provider := &timedProvider{}
	paced := NewPacedProvider(provider, 200*time.Millisecond)

	if _, err := paced.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	if _, err := paced.Complete(ctx, Request{}); err == nil {
		t.Fatal("expected paced wait to fail before the deadline")
	}

	if calls := provider.times(); len(calls) != 1 {
		t.Fatalf("expected only 1 underlying call after canceled wait, got %d", len(calls))
	}
}

func TestNewPacedProviderWithoutIntervalReturnsInner(t *testing.T) {
	provider := &timedProvider{}
	if got := NewPacedProvider(provider, 0); got != Provider(provider) {
		t.Fatalf("expected unpaced provider to be returned as-is, got %T", got)
	}
}
