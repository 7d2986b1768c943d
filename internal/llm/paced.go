package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type pacedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewPacedProvider spaces upstream calls at least minInterval apart. A
// non-positive interval returns inner unchanged.
func NewPacedProvider(inner Provider, minInterval time.Duration) Provider {
	if inner == nil || minInterval <= 0 {
		return inner
	}
	return &pacedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (p *pacedProvider) Name() string {
	return p.inner.Name()
}

func (p *pacedProvider) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.StreamCompletion(ctx, req)
}

func (p *pacedProvider) Complete(ctx context.Context, req Request) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.inner.Complete(ctx, req)
}
