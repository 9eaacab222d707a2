package gemini

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgate/tokenpool/internal/authrefresh"
	"github.com/warpgate/tokenpool/internal/cryptobox"
	"github.com/warpgate/tokenpool/internal/dispatch"
	"github.com/warpgate/tokenpool/internal/pool"
	"github.com/warpgate/tokenpool/internal/readiness"
	"github.com/warpgate/tokenpool/internal/store"
	"github.com/warpgate/tokenpool/internal/warp"
)

func rawFrame(eventType string, payload []byte) []byte {
	var headers []byte
	writeHeader := func(name, value string) {
		headers = append(headers, byte(len(name)))
		headers = append(headers, []byte(name)...)
		valLen := make([]byte, 2)
		binary.BigEndian.PutUint16(valLen, uint16(len(value)))
		headers = append(headers, valLen...)
		headers = append(headers, []byte(value)...)
	}
	writeHeader(":event-type", eventType)

	totalLength := uint32(12 + len(headers) + len(payload) + 4)
	msg := make([]byte, 0, totalLength)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, totalLength)
	msg = append(msg, lenBuf...)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(headers)))
	msg = append(msg, lenBuf...)
	preludeCRC := crc32.ChecksumIEEE(msg[0:8])
	binary.BigEndian.PutUint32(lenBuf, preludeCRC)
	msg = append(msg, lenBuf...)
	msg = append(msg, headers...)
	msg = append(msg, payload...)
	msgCRC := crc32.ChecksumIEEE(msg)
	binary.BigEndian.PutUint32(lenBuf, msgCRC)
	msg = append(msg, lenBuf...)
	return msg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	box, err := cryptobox.New(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokenpool.db")
	s, err := store.Open(store.Options{Path: path, Box: box})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestHandler(t *testing.T, st *store.Store, warpURL string) *Handler {
	t.Helper()
	refreshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-abc","expires_in":3600}`))
	}))
	t.Cleanup(refreshSrv.Close)

	sel := pool.New(pool.Options{Store: st, FailThreshold: 10})
	ref := authrefresh.New(authrefresh.Options{URL: refreshSrv.URL})
	tr := warp.New(warp.Options{URL: warpURL})
	p := dispatch.New(dispatch.Options{Store: st, Selector: sel, Refresher: ref, Transport: tr})
	return New(Options{Dispatcher: p, Readiness: readiness.New(st, 10)})
}

func TestRouteModelSplitsActionSuffix(t *testing.T) {
	model, streaming := routeModel("gemini-pro:generateContent")
	assert.Equal(t, "gemini-pro", model)
	assert.False(t, streaming)

	model, streaming = routeModel("gemini-pro:streamGenerateContent")
	assert.Equal(t, "gemini-pro", model)
	assert.True(t, streaming)
}

func TestServeHTTPRejectsMissingContents(t *testing.T) {
	st := newTestStore(t)
	h := newTestHandler(t, st, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", strings.NewReader(`{}`))
	req.SetPathValue("model", "gemini-pro:generateContent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPBuffersNonStreamingResponse(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Insert(ctx, "refresh-token-1", "acct")
	require.NoError(t, err)

	warpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(rawFrame("text", []byte("hola")))
		w.Write(rawFrame("end", nil))
	}))
	defer warpSrv.Close()

	h := newTestHandler(t, st, warpSrv.URL)
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", strings.NewReader(body))
	req.SetPathValue("model", "gemini-pro:generateContent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hola")
	assert.Contains(t, rec.Body.String(), `"finishReason":"STOP"`)
}

func TestServeHTTPStreamsWhenSuffixRequestsIt(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Insert(ctx, "refresh-token-1", "acct")
	require.NoError(t, err)

	warpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(rawFrame("text", []byte("hi")))
		w.Write(rawFrame("end", nil))
	}))
	defer warpSrv.Close()

	h := newTestHandler(t, st, warpSrv.URL)
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:streamGenerateContent", strings.NewReader(body))
	req.SetPathValue("model", "gemini-pro:streamGenerateContent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
