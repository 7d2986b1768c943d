package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Chat, artifact and login bodies are small; uploads go through multipart.
const maxJSONRequestBytes = 2 * 1024 * 1024

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// readJSON decodes a single JSON object of at most limit bytes into target.
// Failures come back as *requestError: 413 past the limit, 400 otherwise.
func readJSON(w http.ResponseWriter, r *http.Request, target any, limit int64) error {
	return decodeBody(w, r, target, limit, false)
}

// readOptionalJSON is readJSON for endpoints where an empty body means
// "use the defaults"; target is left untouched in that case.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, target any, limit int64) error {
	return decodeBody(w, r, target, limit, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any, limit int64, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return badRequest("request body is required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &requestError{status: http.StatusRequestEntityTooLarge, code: "request_too_large", message: "request body is too large"}
		case errors.Is(err, io.EOF) && optional:
			return nil
		case errors.Is(err, io.EOF):
			return badRequest("request body is required")
		}
		return badRequest(err.Error())
	}
	if decoder.More() {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}
