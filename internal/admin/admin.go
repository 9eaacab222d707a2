// Package admin implements the Admin Surface (spec.md §4.9): CRUD,
// batch-import, manual refresh, statistics, and readiness over the
// Account Store, gated by pkg/middleware.AdminAuth.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/warpgate/tokenpool/internal/authrefresh"
	"github.com/warpgate/tokenpool/internal/readiness"
	"github.com/warpgate/tokenpool/internal/store"
)

// Handler serves every /admin/api/tokens/* route.
type Handler struct {
	store     *store.Store
	refresher *authrefresh.Refresher
	readiness *readiness.Reporter
	logger    *slog.Logger
}

// Options configures a Handler.
type Options struct {
	Store     *store.Store
	Refresher *authrefresh.Refresher
	Readiness *readiness.Reporter
	Logger    *slog.Logger
}

// New constructs the Admin Surface's routed http.Handler.
func New(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{store: opts.Store, refresher: opts.Refresher, readiness: opts.Readiness, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/api/tokens", h.listTokens)
	mux.HandleFunc("POST /admin/api/tokens/batch-import", h.batchImport)
	mux.HandleFunc("POST /admin/api/tokens/batch-delete", h.batchDelete)
	mux.HandleFunc("POST /admin/api/tokens/refresh-all", h.refreshAll)
	mux.HandleFunc("GET /admin/api/tokens/statistics", h.statistics)
	mux.HandleFunc("GET /admin/api/tokens/health", h.health)
	mux.HandleFunc("GET /admin/api/tokens/readiness", h.readinessSnapshot)
	mux.HandleFunc("GET /admin/api/tokens/events", h.events)
	mux.HandleFunc("PATCH /admin/api/tokens/{id}", h.update)
	mux.HandleFunc("DELETE /admin/api/tokens/{id}", h.delete)
	mux.HandleFunc("POST /admin/api/tokens/{id}/refresh", h.refreshOne)
	return mux
}

// envelope is the Admin Surface's wire shape (spec.md §6): {success, data?, detail?}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Detail: detail})
}

// tokenView is one masked account as rendered to admin clients.
type tokenView struct {
	ID             int64        `json:"id"`
	Label          string       `json:"label"`
	Email          string       `json:"email,omitempty"`
	RefreshToken   string       `json:"refresh_token"`
	Status         store.Status `json:"status"`
	UsageCount     int64        `json:"usage_count"`
	ErrorCount     int64        `json:"error_count"`
	LastErrorCode  string       `json:"last_error_code,omitempty"`
	LastSuccessAt  *time.Time   `json:"last_success_at,omitempty"`
	CooldownUntil  *time.Time   `json:"cooldown_until,omitempty"`
	QuotaRemaining int64        `json:"quota_remaining"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (h *Handler) toView(ctx context.Context, a *store.Account) tokenView {
	masked := "…"
	if plain, err := h.store.DecryptRefreshToken(ctx, a); err == nil {
		masked = mask(plain)
	}
	return tokenView{
		ID:             a.ID,
		Label:          a.Label,
		Email:          a.Email,
		RefreshToken:   masked,
		Status:         a.Status,
		UsageCount:     a.UsageCount,
		ErrorCount:     a.ErrorCount,
		LastErrorCode:  a.LastErrorCode,
		LastSuccessAt:  a.LastSuccessAt,
		CooldownUntil:  a.CooldownUntil,
		QuotaRemaining: a.Quota.Remaining(),
		CreatedAt:      a.CreatedAt,
	}
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]tokenView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, h.toView(r.Context(), a))
	}
	writeOK(w, views)
}

type batchImportRequest struct {
	Tokens   []string `json:"tokens"`
	Accounts []struct {
		RefreshToken string `json:"refresh_token"`
		Label        string `json:"label"`
	} `json:"accounts"`
}

func (h *Handler) batchImport(w http.ResponseWriter, r *http.Request) {
	var req batchImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var items []store.BatchImportItem
	for _, t := range req.Tokens {
		items = append(items, store.BatchImportItem{RefreshToken: t})
	}
	for _, a := range req.Accounts {
		items = append(items, store.BatchImportItem{RefreshToken: a.RefreshToken, Label: a.Label})
	}

	result, err := h.store.BatchImport(r.Context(), items)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, result)
}

type updateRequest struct {
	Status *store.Status `json:"status"`
	Label  *string       `json:"label"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := h.store.Update(r.Context(), id, store.UpdatePatch{Status: req.Status, Label: req.Label}, store.ActorAdmin)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, h.toView(r.Context(), account))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.Delete(r.Context(), id, store.ActorAdmin); errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "account not found")
		return
	} else if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"deleted": id})
}

type batchDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *Handler) batchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deleted, errs := h.store.BatchDelete(r.Context(), req.IDs, store.ActorAdmin)
	writeOK(w, map[string]any{"deleted": deleted, "errors": errs})
}

func (h *Handler) refreshOne(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}
	account, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := h.forceRefresh(r.Context(), account)
	writeOK(w, result)
}

func (h *Handler) refreshAll(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		results = append(results, h.forceRefresh(r.Context(), a))
	}
	writeOK(w, results)
}

func (h *Handler) forceRefresh(ctx context.Context, a *store.Account) map[string]any {
	refreshToken, err := h.store.DecryptRefreshToken(ctx, a)
	if err != nil {
		return map[string]any{"account_id": a.ID, "outcome": "decrypt_failed"}
	}
	result, err := h.refresher.Refresh(ctx, a.RefreshTokenFingerprint, refreshToken)
	if err != nil {
		_ = h.store.AppendAudit(ctx, store.AuditEvent{AccountID: &a.ID, Actor: store.ActorAdmin, Action: "manual_refresh", Outcome: "error"})
		return map[string]any{"account_id": a.ID, "outcome": "error", "detail": err.Error()}
	}

	switch result.Outcome {
	case authrefresh.OutcomeOK:
		expiry := result.ExpiresAt
		_ = h.store.Transition(ctx, a.ID, store.Transition{
			SetAccessToken: &result.AccessToken, SetAccessTokenExpiry: &expiry, ResetErrorCount: true,
			Actor: store.ActorAdmin, Action: "manual_refresh", Outcome: "ok",
		})
	case authrefresh.OutcomeRejected:
		status := store.StatusBlocked
		_ = h.store.Transition(ctx, a.ID, store.Transition{
			NewStatus: &status, Actor: store.ActorAdmin, Action: "manual_refresh", Outcome: "blocked",
		})
	case authrefresh.OutcomeQuotaExhausted:
		status := store.StatusQuotaExhausted
		_ = h.store.Transition(ctx, a.ID, store.Transition{
			NewStatus: &status, Actor: store.ActorAdmin, Action: "manual_refresh", Outcome: "quota_exhausted",
		})
	default:
		_ = h.store.AppendAudit(ctx, store.AuditEvent{AccountID: &a.ID, Actor: store.ActorAdmin, Action: "manual_refresh", Outcome: string(result.Outcome)})
	}
	return map[string]any{"account_id": a.ID, "outcome": string(result.Outcome)}
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, stats)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.store.ListHealth(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, snapshots)
}

func (h *Handler) readinessSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.readiness.Report(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, snap)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var filter store.AuditFilter
	if v := r.URL.Query().Get("account_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.AccountID = &id
		}
	}
	if v := r.URL.Query().Get("actor"); v != "" {
		filter.Actor = store.Actor(v)
	}
	if v := r.URL.Query().Get("action"); v != "" {
		filter.Action = v
	}

	events, err := h.store.ListAudit(r.Context(), filter, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, events)
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
