// Package chat relays one student turn to the model, streaming the reply
// and persisting the finished exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"tutor/backend/internal/blob"
	"tutor/backend/internal/fallback"
	"tutor/backend/internal/llm"
	"tutor/backend/internal/metrics"
	"tutor/backend/internal/store"
)

const chatTemperature = 0.7

var ErrMissingMessage = errors.New("message is required")

// ConversationStore is the part of the store the relay writes to.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID, title string, turns []store.NewTurn) (store.Conversation, error)
	AppendTurns(ctx context.Context, ownerID, conversationID string, turns []store.NewTurn) (int, error)
	RenameConversation(ctx context.Context, ownerID, conversationID, title string) error
}

type Image struct {
	MediaType string
	Filename  string
	Data      []byte
}

// Request is the transport-neutral shape of one chat turn. OwnerID is empty
// for anonymous callers, whose exchanges are never stored.
type Request struct {
	OwnerID        string
	ConversationID string
	ModelID        string
	Message        string
	History        []HistoryTurn
	Image          *Image
	Notes          string
	NotesName      string
}

type Result struct {
	Text           string
	ConversationID string
	Model          string
}

type EventKind int

const (
	EventChunk EventKind = iota
	EventComplete
	EventError
)

type Event struct {
	Kind           EventKind
	Delta          string
	ConversationID string
	Err            error
}

// Sink receives a streamed turn. OnComplete and OnError are mutually
// exclusive and called at most once.
type Sink interface {
	OnChunk(delta string) error
	OnComplete(conversationID string)
	OnError(err error)
}

type Config struct {
	Provider     llm.Provider
	Catalog      *fallback.Catalog
	Store        ConversationStore
	Blobs        blob.Store
	BlobPrefix   string
	SystemPrompt string
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Relay struct {
	provider     llm.Provider
	catalog      *fallback.Catalog
	store        ConversationStore
	blobs        blob.Store
	blobPrefix   string
	systemPrompt string
	metrics      *metrics.Metrics
	logger       *slog.Logger
	titles       *TitleSynthesizer
}

func NewRelay(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	systemPrompt := cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = SystemPrompt
	}
	return &Relay{
		provider:     cfg.Provider,
		catalog:      cfg.Catalog,
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		blobPrefix:   strings.Trim(cfg.BlobPrefix, "/"),
		systemPrompt: systemPrompt,
		metrics:      cfg.Metrics,
		logger:       logger,
		titles: NewTitleSynthesizer(cfg.Provider, cfg.Catalog, fallback.Runner{
			OnAttempt: cfg.Metrics.AttemptObserver("title"),
		}, logger),
	}
}

func (r *Relay) runner(operation string) fallback.Runner {
	observe := r.metrics.AttemptObserver(operation)
	return fallback.Runner{OnAttempt: func(attempt fallback.Attempt) {
		observe(attempt)
		if attempt.Err != nil {
			r.logger.Warn("model_attempt_failed",
				"operation", operation,
				"model", attempt.Model,
				"attempt", attempt.Index,
				"elapsed_ms", attempt.Elapsed.Milliseconds(),
				"error", attempt.Err,
			)
		}
	}}
}

func validate(req Request) (Request, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return req, ErrMissingMessage
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.ModelID = strings.TrimSpace(req.ModelID)
	return req, nil
}

// Stream relays req and returns its events in arrival order. The channel
// ends with exactly one complete or error event, unless ctx is cancelled
// first, in which case it simply closes and nothing is stored. Partial
// output from a candidate that fails mid-stream has already been sent; the
// next candidate's output follows it.
func (r *Relay) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)
		started := time.Now()

		req, err := validate(req)
		if err != nil {
			r.finish(ctx, out, Event{Kind: EventError, Err: err})
			return
		}

		messages := buildPrompt(r.systemPrompt, req)
		candidates := r.catalog.Candidates(req.ModelID, req.Image != nil)

		var (
			reply    string
			usage    llm.Usage
			hasUsage bool
		)
		model, err := r.runner("chat_stream").Run(ctx, candidates, func(ctx context.Context, model string) error {
			stream, err := r.provider.StreamCompletion(ctx, llm.Request{
				Model:       model,
				Messages:    messages,
				Temperature: chatTemperature,
			})
			if err != nil {
				return err
			}
			defer stream.Close()

			text, err := llm.Drain(stream, func(delta string) error {
				return send(ctx, out, Event{Kind: EventChunk, Delta: delta})
			})
			if err != nil {
				return err
			}
			reply = text
			usage, hasUsage = llm.StreamUsage(stream)
			return nil
		})
		if ctx.Err() != nil {
			r.logger.Info("chat_stream_cancelled", "conversation_id", req.ConversationID, "owner_id", req.OwnerID)
			r.metrics.ObserveRelay("stream", "cancelled", time.Since(started))
			return
		}
		if err != nil {
			r.logger.Error("chat_stream_failed", "conversation_id", req.ConversationID, "error", err)
			r.metrics.ObserveRelay("stream", "error", time.Since(started))
			r.finish(ctx, out, Event{Kind: EventError, Err: err})
			return
		}

		conversationID := r.persist(context.WithoutCancel(ctx), req, reply)
		attrs := []any{
			"conversation_id", conversationID,
			"model", model,
			"elapsed_ms", time.Since(started).Milliseconds(),
		}
		if hasUsage {
			r.metrics.ObserveUsage("chat_stream", model, usage)
			attrs = append(attrs, "prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)
		}
		r.logger.Info("chat_stream_completed", attrs...)
		r.metrics.ObserveRelay("stream", "ok", time.Since(started))
		r.finish(ctx, out, Event{Kind: EventComplete, ConversationID: conversationID})
	}()

	return out
}

// RelayStreamed drives Stream into sink. If sink rejects a chunk the relay
// is cancelled and nothing further is delivered.
func (r *Relay) RelayStreamed(ctx context.Context, req Request, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := r.Stream(ctx, req)
	for event := range events {
		switch event.Kind {
		case EventChunk:
			if err := sink.OnChunk(event.Delta); err != nil {
				cancel()
				for range events {
				}
				return
			}
		case EventComplete:
			sink.OnComplete(event.ConversationID)
		case EventError:
			sink.OnError(event.Err)
		}
	}
}

// RelayOnce is the non-streaming relay.
func (r *Relay) RelayOnce(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	req, err := validate(req)
	if err != nil {
		return Result{}, err
	}

	messages := buildPrompt(r.systemPrompt, req)
	candidates := r.catalog.Candidates(req.ModelID, req.Image != nil)

	var reply string
	model, err := r.runner("chat").Run(ctx, candidates, func(ctx context.Context, model string) error {
		text, err := r.provider.Complete(ctx, llm.Request{
			Model:       model,
			Messages:    messages,
			Temperature: chatTemperature,
		})
		if err != nil {
			return err
		}
		reply = text
		return nil
	})
	if err != nil {
		r.metrics.ObserveRelay("once", "error", time.Since(started))
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		r.metrics.ObserveRelay("once", "cancelled", time.Since(started))
		return Result{}, err
	}

	conversationID := r.persist(context.WithoutCancel(ctx), req, reply)
	r.metrics.ObserveRelay("once", "ok", time.Since(started))
	return Result{Text: reply, ConversationID: conversationID, Model: model}, nil
}

// persist stores the finished exchange and returns the conversation id to
// report. Failures are logged and never surface to the caller.
func (r *Relay) persist(ctx context.Context, req Request, reply string) string {
	if r.store == nil || req.OwnerID == "" {
		return req.ConversationID
	}

	userTurn := store.NewTurn{Role: store.RoleUser, Content: req.Message}
	if req.Image != nil {
		userTurn.ImagePath, userTurn.ImageMediaType = r.saveImage(ctx, req)
	}
	turns := []store.NewTurn{userTurn, {Role: store.RoleAssistant, Content: reply}}

	if req.ConversationID != "" {
		prior, err := r.store.AppendTurns(ctx, req.OwnerID, req.ConversationID, turns)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r.logger.Warn("conversation_not_found", "conversation_id", req.ConversationID, "owner_id", req.OwnerID)
		case err != nil:
			r.metrics.StoreError("append_turns")
			r.logger.Error("append_turns_failed", "conversation_id", req.ConversationID, "owner_id", req.OwnerID, "error", err)
		case prior == 0:
			// Opened empty via /new; name it after its first question.
			r.retitle(ctx, req)
		}
		return req.ConversationID
	}

	title := r.titles.Synthesize(ctx, req.Message)
	conversation, err := r.store.CreateConversation(ctx, req.OwnerID, title, turns)
	if err != nil {
		r.metrics.StoreError("create_conversation")
		r.logger.Error("create_conversation_failed", "owner_id", req.OwnerID, "error", err)
		return ""
	}
	return conversation.ID
}

func (r *Relay) retitle(ctx context.Context, req Request) {
	title := r.titles.Synthesize(ctx, req.Message)
	if err := r.store.RenameConversation(ctx, req.OwnerID, req.ConversationID, title); err != nil {
		r.metrics.StoreError("rename_conversation")
		r.logger.Error("rename_conversation_failed", "conversation_id", req.ConversationID, "owner_id", req.OwnerID, "error", err)
	}
}

// saveImage writes the turn image to blob storage. The returned path is
// empty when no store is configured or the write fails.
func (r *Relay) saveImage(ctx context.Context, req Request) (string, string) {
	if r.blobs == nil || len(req.Image.Data) == 0 {
		return "", ""
	}
	objectPath := path.Join(r.blobPrefix, req.OwnerID, fmt.Sprintf("%s%s", uuid.NewString(), imageExtension(req.Image.MediaType)))
	if err := r.blobs.PutObject(ctx, objectPath, req.Image.MediaType, req.Image.Data); err != nil {
		r.metrics.StoreError("put_image")
		r.logger.Error("turn_image_upload_failed", "backend", r.blobs.Backend(), "owner_id", req.OwnerID, "error", err)
		return "", ""
	}
	return objectPath, req.Image.MediaType
}

func imageExtension(mediaType string) string {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

func send(ctx context.Context, out chan<- Event, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- event:
		return nil
	}
}

// finish delivers the terminal event unless the consumer has gone away.
func (r *Relay) finish(ctx context.Context, out chan<- Event, event Event) {
	_ = send(ctx, out, event)
}
