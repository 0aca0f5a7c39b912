package controlapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-core/internal/auditlog"
	"tachyon-core/internal/config"
	"tachyon-core/internal/engine"
	"tachyon-core/internal/eventbus"
	"tachyon-core/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, *config.Store) {
	t.Helper()
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	bus := eventbus.New()
	cfgStore := config.NewStore(l)
	cfg := cfgStore.Load()
	e := engine.New(slog.New(slog.NewTextHandler(io.Discard, nil)), l, bus, cfg)
	audit, err := auditlog.Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)), bus)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	return New(e, cfgStore, audit, slog.New(slog.NewTextHandler(io.Discard, nil)), 4), cfgStore
}

func doRequest(t *testing.T, s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:54321"
	if token != "" {
		req.Header.Set("X-Tachyon-Token", token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestMissingTokenRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidTokenReachesHandler(t *testing.T) {
	s, cfgStore := newTestServer(t)
	token, err := cfgStore.ControlAPIToken()
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/v1/status", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNonLoopbackRejectedRegardlessOfToken(t *testing.T) {
	s, cfgStore := newTestServer(t)
	token, err := cfgStore.ControlAPIToken()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Tachyon-Token", token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartDownloadRejectsSSRFURL(t *testing.T) {
	s, cfgStore := newTestServer(t)
	token, err := cfgStore.ControlAPIToken()
	require.NoError(t, err)

	body, _ := json.Marshal(startDownloadRequest{URL: "http://127.0.0.1/admin", SaveDir: t.TempDir(), Filename: "x"})
	rec := doRequest(t, s, http.MethodPost, "/v1/downloads", token, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownDownloadIs404(t *testing.T) {
	s, cfgStore := newTestServer(t)
	token, err := cfgStore.ControlAPIToken()
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/v1/downloads/does-not-exist", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
