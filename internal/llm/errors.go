package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindModelRejected
	KindAuthOrConfig
	KindMalformedRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindModelRejected:
		return "model_rejected"
	case KindAuthOrConfig:
		return "auth_or_config"
	case KindMalformedRequest:
		return "malformed_request"
	default:
		return "transient"
	}
}

// Error is the only error shape providers hand back for upstream failures.
// Fallback decisions are made on Kind alone.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString(" model ")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindFromStatus maps an upstream HTTP status to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusNotFound:
		return KindModelRejected
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthOrConfig
	case http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindMalformedRequest
	default:
		return KindTransient
	}
}

func NewStatusError(provider, model string, status int, message string) *Error {
	return &Error{
		Kind:       KindFromStatus(status),
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Message:    strings.TrimSpace(message),
	}
}

// WrapTransport classifies a transport failure. Context errors pass through
// untouched so cancellation is never mistaken for a provider failure.
func WrapTransport(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: KindTransient, Provider: provider, Model: model, Err: err}
}

func KindOf(err error) (ErrorKind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return KindTransient, false
}

// IsRetryable reports whether err should advance the fallback chain to the
// next candidate.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindRateLimited || kind == KindModelRejected
}
