package httpapi

import (
	"context"
	"errors"
	"net/http"

	"tutor/backend/internal/artifact"
	"tutor/backend/internal/chat"
	"tutor/backend/internal/fallback"
	"tutor/backend/internal/llm"
	"tutor/backend/internal/store"
)

type statusError struct {
	status  int
	code    string
	message string
}

// classifyError maps domain errors onto HTTP responses.
func classifyError(err error) statusError {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return statusError{status: reqErr.status, code: reqErr.code, message: reqErr.message}
	}

	switch {
	case errors.Is(err, chat.ErrMissingMessage), errors.Is(err, artifact.ErrEmptyHistory):
		return statusError{status: http.StatusBadRequest, code: "invalid_request", message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return statusError{status: http.StatusNotFound, code: "not_found", message: "not found"}
	case errors.Is(err, fallback.ErrAllCandidatesExhausted):
		return statusError{status: http.StatusServiceUnavailable, code: "models_exhausted", message: "all models are busy, please try again shortly"}
	case errors.Is(err, fallback.ErrNoCandidates):
		return statusError{status: http.StatusInternalServerError, code: "no_models", message: "no models are configured"}
	case errors.Is(err, artifact.ErrMalformed):
		return statusError{status: http.StatusBadGateway, code: "malformed_model_output", message: "the model returned an unusable answer, please try again"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusError{status: http.StatusServiceUnavailable, code: "cancelled", message: "request cancelled"}
	}

	if kind, ok := llm.KindOf(err); ok {
		switch kind {
		case llm.KindAuthOrConfig:
			return statusError{status: http.StatusInternalServerError, code: "provider_config", message: "model provider is misconfigured"}
		case llm.KindMalformedRequest:
			return statusError{status: http.StatusBadGateway, code: "provider_rejected", message: "model provider rejected the request"}
		default:
			return statusError{status: http.StatusBadGateway, code: "provider_unavailable", message: "model provider is unavailable"}
		}
	}

	return statusError{status: http.StatusInternalServerError, code: "internal_error", message: "internal error"}
}

func writeDomainError(w http.ResponseWriter, err error) {
	classified := classifyError(err)
	writeError(w, classified.status, classified.code, classified.message)
}
