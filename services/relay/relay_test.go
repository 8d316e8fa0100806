// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/attachments"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = slog.New(slog.DiscardHandler)

const upstreamBody = `data: {"choices":[{"index":0,"delta":{"content":"Hello"}}]}` + "\n\n" +
	`data: {"choices":[{"index":0,"delta":{"content":" there"}}]}` + "\n\n" +
	"data: [DONE]\n\n"

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, upstreamBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Upstream.URL = upstreamURL
	cfg.Upstream.APIKey = "test-key"
	cfg.Relay.MemoryMode = "off"
	cfg.Server.HeartbeatInterval = -1
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	require.NoError(t, cfg.Validate())
	return cfg
}

const chatBody = `{"message":"hi","chatId":"c1","userId":"u1"}`

// =============================================================================
// New Tests
// =============================================================================

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, nil, quiet)
	assert.Error(t, err)
}

func TestNew_ServesChatAndHistory(t *testing.T) {
	cfg := testConfig(t, fakeUpstream(t).URL)
	svc, err := New(cfg, nil, quiet)
	require.NoError(t, err)
	defer svc.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `data: {"content":"Hello"}`+"\n\n"+
		`data: {"content":" there"}`+"\n\n"+
		"data: [DONE]\n\n", w.Body.String())

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chats/c1/messages?userId=u1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"content":"Hello there"`)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_relay_requests_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestNew_StaticTokensFromConfig(t *testing.T) {
	cfg := testConfig(t, fakeUpstream(t).URL)
	cfg.Auth.Tokens = "secret:u1"
	svc, err := New(cfg, nil, quiet)
	require.NoError(t, err)
	defer svc.Close()

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(chatBody))
	req.Header.Set("Authorization", "Bearer secret")
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_InvalidTokenTable(t *testing.T) {
	cfg := testConfig(t, fakeUpstream(t).URL)
	cfg.Auth.Tokens = "no-separator"
	_, err := New(cfg, nil, quiet)
	assert.Error(t, err)
}

func TestNew_RateLimited(t *testing.T) {
	cfg := testConfig(t, fakeUpstream(t).URL)
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	svc, err := New(cfg, nil, quiet)
	require.NoError(t, err)
	defer svc.Close()

	codes := make([]int, 0, 2)
	for range 2 {
		w := httptest.NewRecorder()
		svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chats/c1/messages?userId=u1", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestResolveOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Tokens = "tok:alice"

	opts, err := resolveOptions(cfg, nil, quiet)
	require.NoError(t, err)
	assert.IsType(t, &extensions.StaticTokenAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.SlogAuditLogger{}, opts.AuditLogger)

	injected := extensions.DefaultOptions()
	opts, err = resolveOptions(cfg, &injected, quiet)
	require.NoError(t, err)
	assert.IsType(t, &extensions.NopAuthProvider{}, opts.AuthProvider, "injected provider wins")
	assert.IsType(t, &extensions.NopAuditLogger{}, opts.AuditLogger)
}

// =============================================================================
// Backend Selection Tests
// =============================================================================

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, err := openStore(ctx, config.StoreConfig{Backend: config.BackendMemory}, quiet)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, mem)
	require.NoError(t, mem.Close())

	bg, err := openStore(ctx, config.StoreConfig{
		Backend:    config.BackendBadger,
		BadgerPath: t.TempDir(),
	}, quiet)
	require.NoError(t, err)
	assert.IsType(t, &store.BadgerStore{}, bg)
	require.NoError(t, bg.Close())

	_, err = openStore(ctx, config.StoreConfig{Backend: config.BackendWeaviate, WeaviateURL: "::bad"}, quiet)
	assert.Error(t, err)
}

func TestNewResolver_WithoutBucket(t *testing.T) {
	r, err := newResolver(context.Background(), config.AttachmentsConfig{}, quiet)
	require.NoError(t, err)
	assert.IsType(t, attachments.ReferenceResolver{}, r)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t, fakeUpstream(t).URL)
	svc, err := New(cfg, nil, quiet)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.(*service).serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/v1/chat/stream", "application/json", strings.NewReader(chatBody))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(body), "data: [DONE]\n\n"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	assert.NoError(t, svc.Close(), "Close after Run is a no-op")
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, fakeUpstream(t).URL)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	svc, err := New(cfg, nil, quiet)
	require.NoError(t, err)

	err = svc.Run(context.Background())
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	assert.Equal(t, "/var/lib/relay", expandPath("/var/lib/relay"))
	assert.NotContains(t, expandPath("~/relay"), "~")
}
