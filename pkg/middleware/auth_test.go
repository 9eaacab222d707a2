package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuthModeOffAllowsAnyRequest(t *testing.T) {
	h := AdminAuth(AdminAuthOff, "secret", slog.Default())(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthModeTokenRejectsMissingBearer(t *testing.T) {
	h := AdminAuth(AdminAuthToken, "secret", slog.Default())(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthModeTokenAcceptsMatchingBearer(t *testing.T) {
	h := AdminAuth(AdminAuthToken, "secret", slog.Default())(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthModeTokenRejectsWrongBearer(t *testing.T) {
	h := AdminAuth(AdminAuthToken, "secret", slog.Default())(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthModeLocalBypassesForLoopback(t *testing.T) {
	h := AdminAuth(AdminAuthLocal, "secret", slog.Default())(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthModeLocalRequiresTokenForNonLoopback(t *testing.T) {
	h := AdminAuth(AdminAuthLocal, "secret", slog.Default())(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/api/tokens", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
