package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/silo/pkg/storage/engine"
	silotesting "github.com/malbeclabs/silo/utils/pkg/testing"
)

func newServer(t *testing.T, dataDir string) *Server {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Config{
		Logger:  silotesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		DataDir: dataDir,
	})
	require.NoError(t, err)

	s, err := New(Config{
		Logger:     silotesting.NewLogger(),
		ListenAddr: "127.0.0.1:0",
	}, eng)
	require.NoError(t, err)
	return s
}

func TestHealthEndpointHealthy(t *testing.T) {
	s := newServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	dataDir := t.TempDir()
	// A tablet dir with a corrupt header makes the engine unhealthy.
	badDir := filepath.Join(dataDir, "1_1")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "header.json"), []byte("junk"), 0o644))

	s := newServer(t, dataDir)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "push_requests_success_total")
}

func TestRateLimitMiddleware(t *testing.T) {
	eng, err := engine.Open(context.Background(), engine.Config{
		Logger:  silotesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)

	s, err := New(Config{
		Logger:     silotesting.NewLogger(),
		ListenAddr: "127.0.0.1:0",
		RateLimit:  rate.Limit(1),
		RateBurst:  1,
	}, eng)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
	}{
		{"GET", MethodGet},
		{"get", MethodGet},
		{"PUT", MethodPut},
		{"POST", MethodPost},
		{"DELETE", MethodDelete},
		{"HEAD", MethodHead},
		{"OPTIONS", MethodOptions},
		{"PATCH", MethodUnknown},
		{"", MethodUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseMethod(tt.in), tt.in)
	}
	require.Equal(t, "GET", MethodGet.String())
	require.Equal(t, "UNKNOWN", MethodUnknown.String())
}
