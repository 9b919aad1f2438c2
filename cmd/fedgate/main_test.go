package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/config"
	"github.com/c360/fedgate/gateway"
	"github.com/c360/fedgate/registry"
)

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.ConfigPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, validateFlags(cfg))
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("FEDGATE_LOG_LEVEL", "debug")
	t.Setenv("FEDGATE_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := parseFlags([]string{"-log-format", "text"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		cfg  CLIConfig
	}{
		{"missing config file", CLIConfig{ConfigPath: "/nonexistent/gateway.yaml", LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}},
		{"bad level", CLIConfig{LogLevel: "loud", LogFormat: "json", ShutdownTimeout: time.Second}},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml", ShutdownTimeout: time.Second}},
		{"zero timeout", CLIConfig{LogLevel: "info", LogFormat: "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validateFlags(&tt.cfg))
		})
	}

	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true}), "version skips validation")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, Version, line["version"])

	buf.Reset()
	newLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestInitializeConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  mode: memory\nrate_limit:\n  max_requests: 7\n"), 0600))

	cfg, err := initializeConfiguration(&CLIConfig{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, config.StoreModeMemory, cfg.Store.Mode)
	assert.Equal(t, int64(7), cfg.RateLimit.MaxRequests)

	require.NoError(t, os.WriteFile(path, []byte("store:\n  mode: carrier-pigeon\n"), 0600))
	_, err = initializeConfiguration(&CLIConfig{ConfigPath: path})
	assert.Error(t, err)
}

func TestApp_MemoryModeEndToEnd(t *testing.T) {
	backend := http.NewServeMux()
	backend.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"me":{"id":"1"}}}`)
	})
	backend.HandleFunc("GET /", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Store.Mode = config.StoreModeMemory
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Subgraphs = []registry.ServiceDescriptor{{Name: "users", URL: upstream.URL}}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, newLogger(io.Discard, "error", "json"))
	require.NoError(t, err)
	assert.Nil(t, a.nats)

	require.NoError(t, a.start(ctx))
	require.Eventually(t, func() bool {
		st, ok := a.monitor.Get(gateway.DependencyRegistry)
		return ok && st.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond, "registry watch reports into health")

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.serve(ctx) }()
	require.Eventually(t, func() bool { return a.server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	url := fmt.Sprintf("http://%s/graphql/users", a.server.Addr())
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"query":"{ me { id } }"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":{"me":{"id":"1"}}}`, string(body))

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics/prometheus", a.server.Addr()))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "fedgate_gateway_requests_total")

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.NoError(t, a.shutdown(2*time.Second))
}
