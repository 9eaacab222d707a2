// Package openai is a thin stand-in for the OpenAI Chat Completions wire
// protocol, mirroring internal/adapter/anthropic's shape for its own wire
// format. See that package's doc comment for why the mapping is mechanical
// and intentionally minimal.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/warpgate/tokenpool/internal/adapter/sse"
	"github.com/warpgate/tokenpool/internal/apierror"
	"github.com/warpgate/tokenpool/internal/dispatch"
	"github.com/warpgate/tokenpool/internal/readiness"
	"github.com/warpgate/tokenpool/internal/warp"
)

// Dispatcher is the narrow interface this adapter depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestBytes []byte) (*dispatch.Result, error)
}

// Request is the minimal Chat Completions request shape this stand-in
// understands.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Handler serves POST /v1/chat/completions.
type Handler struct {
	dispatcher Dispatcher
	readiness  *readiness.Reporter
	logger     *slog.Logger
}

// Options configures a Handler.
type Options struct {
	Dispatcher Dispatcher
	Readiness  *readiness.Reporter
	Logger     *slog.Logger
}

// New constructs a Handler.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: opts.Dispatcher, readiness: opts.Readiness, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.New(apierror.KindRequestInvalid, "invalid JSON: "+err.Error()).WriteJSON(w)
		return
	}
	if req.Model == "" {
		apierror.New(apierror.KindRequestInvalid, "model: field is required").WriteJSON(w)
		return
	}
	if len(req.Messages) == 0 {
		apierror.New(apierror.KindRequestInvalid, "messages: field is required").WriteJSON(w)
		return
	}

	ctx := r.Context()
	if snap, err := h.readiness.Report(ctx); err == nil && !snap.Ready {
		next := int64(0)
		if snap.NextRecoveryAt != nil {
			next = *snap.NextRecoveryAt
		}
		apierror.Unavailable(snap.Available, next).WriteJSON(w)
		return
	}

	body, err := json.Marshal(&req)
	if err != nil {
		apierror.New(apierror.KindInternal, err.Error()).WriteJSON(w)
		return
	}

	result, err := h.dispatcher.Dispatch(ctx, body)
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}
	defer result.Close()

	if req.Stream {
		h.stream(w, req.Model, result)
		return
	}
	h.buffer(w, req.Model, result)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrUnavailable) {
		apierror.Unavailable(0, 0).WriteJSON(w)
		return
	}
	apierror.New(apierror.KindInternal, err.Error()).WriteJSON(w)
}

// stream renders the dispatch result as OpenAI-shaped chat.completion.chunk
// SSE events terminated by the literal "[DONE]" sentinel.
func (h *Handler) stream(w http.ResponseWriter, model string, result *dispatch.Result) {
	writer := sse.New(w)
	writer.WriteHeaders()

	id := "chatcmpl-" + uuid.New().String()
	finishReason := "stop"
	for {
		ev, ok, err := result.Next()
		if err != nil {
			h.logger.Warn("openai stream read failed", "error", err)
			finishReason = "error"
			break
		}
		if !ok {
			break
		}
		switch ev.Kind {
		case warp.EventText:
			_ = writer.WriteData(chunk(id, model, map[string]any{"content": ev.Text}, nil))
		case warp.EventError:
			finishReason = "error"
		}
	}

	_ = writer.WriteData(chunk(id, model, map[string]any{}, &finishReason))
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
}

func chunk(id, model string, delta map[string]any, finishReason *string) map[string]any {
	return map[string]any{
		"id": id, "object": "chat.completion.chunk", "model": model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finishReason}},
	}
}

// buffer renders the dispatch result as a single non-streaming response.
func (h *Handler) buffer(w http.ResponseWriter, model string, result *dispatch.Result) {
	var text string
	for {
		ev, ok, err := result.Next()
		if err != nil || !ok {
			break
		}
		if ev.Kind == warp.EventText {
			text += ev.Text
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id": "chatcmpl-" + uuid.New().String(), "object": "chat.completion", "model": model,
		"choices": []map[string]any{{
			"index": 0, "finish_reason": "stop",
			"message": map[string]any{"role": "assistant", "content": text},
		}},
	})
}
