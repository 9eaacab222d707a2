// Package gemini is a thin stand-in for the Gemini generateContent wire
// protocol, mirroring internal/adapter/anthropic's shape for its own wire
// format. See that package's doc comment for why the mapping is mechanical
// and intentionally minimal.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

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

// Request is the minimal generateContent request shape this stand-in
// understands.
type Request struct {
	Contents []Content `json:"contents"`
}

// Content is one Gemini conversation turn.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one piece of turn content.
type Part struct {
	Text string `json:"text"`
}

// Handler serves POST /v1beta/models/{model}:generateContent and its
// streaming sibling :streamGenerateContent. The model name and the
// "stream" suffix both travel in the URL rather than the body in the real
// protocol; routeModel extracts them.
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
	model, streaming := routeModel(r.PathValue("model"))

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.New(apierror.KindRequestInvalid, "invalid JSON: "+err.Error()).WriteJSON(w)
		return
	}
	if len(req.Contents) == 0 {
		apierror.New(apierror.KindRequestInvalid, "contents: field is required").WriteJSON(w)
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

	if streaming {
		h.stream(w, model, result)
		return
	}
	h.buffer(w, model, result)
}

// routeModel splits Gemini's "{model}:generateContent" /
// "{model}:streamGenerateContent" path segment into its parts.
func routeModel(segment string) (model string, streaming bool) {
	model, action, found := strings.Cut(segment, ":")
	if !found {
		return segment, false
	}
	return model, action == "streamGenerateContent"
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrUnavailable) {
		apierror.Unavailable(0, 0).WriteJSON(w)
		return
	}
	apierror.New(apierror.KindInternal, err.Error()).WriteJSON(w)
}

// stream renders the dispatch result as a sequence of generateContent
// response objects, one per Warp text delta.
func (h *Handler) stream(w http.ResponseWriter, model string, result *dispatch.Result) {
	writer := sse.New(w)
	writer.WriteHeaders()

	finishReason := "STOP"
	for {
		ev, ok, err := result.Next()
		if err != nil {
			h.logger.Warn("gemini stream read failed", "error", err, "model", model)
			finishReason = "OTHER"
			break
		}
		if !ok {
			break
		}
		switch ev.Kind {
		case warp.EventText:
			_ = writer.WriteData(response(ev.Text, ""))
		case warp.EventError:
			finishReason = "OTHER"
		}
	}
	_ = writer.WriteData(response("", finishReason))
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
	_ = json.NewEncoder(w).Encode(response(text, "STOP"))
}

func response(text, finishReason string) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": text}},
		},
	}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}
	return map[string]any{"candidates": []map[string]any{candidate}}
}
