// Package anthropic is a thin stand-in for the Anthropic Messages wire
// protocol: it normalizes POST /v1/messages into Warp request bytes,
// dispatches through the narrow Dispatcher interface, and renders the
// returned Warp events back as Anthropic-shaped SSE (or a single buffered
// response for non-streaming requests). The exact JSON shape of either
// side of that mapping is explicitly out of scope (spec.md §1); this
// package only needs to exist so the Dispatch Pipeline has a real caller.
package anthropic

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

// Dispatcher is the narrow interface this adapter depends on; it never
// imports internal/pool, internal/store, or the other adapter packages.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestBytes []byte) (*dispatch.Result, error)
}

// Request is the minimal Anthropic Messages request shape this stand-in
// understands.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

// Message is one Anthropic conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Handler serves POST /v1/messages.
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
	if err := validate(&req); err != nil {
		err.WriteJSON(w)
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

	body, err := normalizeRequest(&req)
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

func validate(req *Request) *apierror.Error {
	if req.Model == "" {
		return apierror.New(apierror.KindRequestInvalid, "model: field is required")
	}
	if len(req.Messages) == 0 {
		return apierror.New(apierror.KindRequestInvalid, "messages: field is required")
	}
	if req.MaxTokens <= 0 {
		return apierror.New(apierror.KindRequestInvalid, "max_tokens: must be a positive integer")
	}
	return nil
}

func normalizeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrUnavailable) {
		apierror.Unavailable(0, 0).WriteJSON(w)
		return
	}
	apierror.New(apierror.KindInternal, err.Error()).WriteJSON(w)
}

// stream renders the dispatch result as Anthropic-shaped SSE.
func (h *Handler) stream(w http.ResponseWriter, model string, result *dispatch.Result) {
	writer := sse.New(w)
	writer.WriteHeaders()

	messageID := "msg_" + uuid.New().String()
	_ = writer.Write("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": messageID, "type": "message", "role": "assistant", "model": model,
		},
	})
	_ = writer.Write("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	stopReason := "end_turn"
	for {
		ev, ok, err := result.Next()
		if err != nil {
			h.logger.Warn("anthropic stream read failed", "error", err)
			stopReason = "error"
			break
		}
		if !ok {
			break
		}
		switch ev.Kind {
		case warp.EventText:
			_ = writer.Write("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]any{"type": "text_delta", "text": ev.Text},
			})
		case warp.EventError:
			stopReason = "error"
		case warp.EventEnd:
		}
	}

	_ = writer.Write("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	_ = writer.Write("message_delta", map[string]any{
		"type": "message_delta", "delta": map[string]any{"stop_reason": stopReason},
	})
	_ = writer.Write("message_stop", map[string]any{"type": "message_stop"})
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
		"id": "msg_" + uuid.New().String(), "type": "message", "role": "assistant", "model": model,
		"content":     []map[string]any{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
	})
}
