package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/judgesession/internal/config"
	"github.com/coderunr/judgesession/internal/handler"
	"github.com/coderunr/judgesession/internal/middleware"
	"github.com/coderunr/judgesession/internal/runtime"
	"github.com/coderunr/judgesession/internal/sandbox"
	"github.com/coderunr/judgesession/internal/session"
	"github.com/coderunr/judgesession/internal/types"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()

	os.Setenv("CODERUNR_LOG_LEVEL", "error")
	os.Setenv("CODERUNR_DATA_DIRECTORY", "/tmp/judgesession-test")
	require.NoError(t, os.MkdirAll("/tmp/judgesession-test/packages", 0755))
	t.Cleanup(func() { os.RemoveAll("/tmp/judgesession-test") })

	cfg, err := config.Load()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	runtimeManager := runtime.NewManager(cfg)
	_ = runtimeManager

	provisioner := sandbox.NewProvisioner(cfg)
	sessionServer := session.NewServer(provisioner, cfg)
	h := handler.NewHandler(logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())

	r.HandleFunc("/judge", sessionServer.HandleJudge)

	r.Group(func(r chi.Router) {
		r.Use(middleware.JSON)
		r.Get("/runtimes", h.GetRuntimes)
	})

	r.Get("/", h.GetVersion)
	r.Get("/health", h.GetHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func TestHealthEndpoint(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body["message"])
}

func TestRuntimesEndpoint(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/runtimes", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var runtimes []types.RuntimeInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runtimes))
}

func TestMetricsEndpoint(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "judge_active_sessions")
}
