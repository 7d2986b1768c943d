package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tutor/backend/internal/llm"
)

var (
	ErrNoCandidates           = errors.New("no model candidates configured")
	ErrAllCandidatesExhausted = errors.New("all model candidates exhausted")
)

type Attempt struct {
	Index   int
	Model   string
	Err     error
	Elapsed time.Duration
}

type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllCandidatesExhausted.Error()
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("%s after %d attempts (last %s: %v)", ErrAllCandidatesExhausted, len(e.Attempts), last.Model, last.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrAllCandidatesExhausted
}

// Runner tries candidates strictly in order. Only rate-limited and
// rejected-model failures advance to the next candidate; anything else is
// returned as-is. OnAttempt, when set, sees every attempt.
type Runner struct {
	OnAttempt func(Attempt)
}

// Run returns the model that succeeded.
func (r Runner) Run(ctx context.Context, candidates []string, attempt func(ctx context.Context, model string) error) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	failed := make([]Attempt, 0, len(candidates))
	for i, model := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		started := time.Now()
		err := attempt(ctx, model)
		record := Attempt{Index: i, Model: model, Err: err, Elapsed: time.Since(started)}
		if r.OnAttempt != nil {
			r.OnAttempt(record)
		}
		if err == nil {
			return model, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !llm.IsRetryable(err) {
			return "", err
		}
		failed = append(failed, record)
	}

	return "", &ExhaustedError{Attempts: failed}
}
