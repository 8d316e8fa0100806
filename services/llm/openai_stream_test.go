// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Helpers
// =============================================================================

// newTestClient points a client at a fake upstream.
func newTestClient(t *testing.T, url string, timeout time.Duration) *OpenAICompatibleClient {
	t.Helper()
	c, err := NewOpenAICompatibleClient(Config{
		URL:             url,
		APIKey:          "test-key",
		UpstreamTimeout: timeout,
		HTTPClient:      &http.Client{},
		Logger:          slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return c
}

func simpleRequest() StreamRequest {
	return StreamRequest{
		Model: "DeepSeek-V3",
		Turns: []datatypes.Turn{{Role: datatypes.RoleUser, Content: datatypes.Text("Hi")}},
	}
}

func requireUpstreamError(t *testing.T, err error, kind datatypes.UpstreamKind) *datatypes.UpstreamError {
	t.Helper()
	var upErr *datatypes.UpstreamError
	require.True(t, errors.As(err, &upErr), "expected *UpstreamError, got %T: %v", err, err)
	assert.Equal(t, kind, upErr.Kind)
	return upErr
}

// =============================================================================
// Success
// =============================================================================

func TestOpenStream_SendsRequestAndStreamsBody(t *testing.T) {
	type captured struct {
		headers http.Header
		body    map[string]any
	}
	seen := make(chan captured, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c captured
		c.headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &c.body)
		seen <- c

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	stream, err := client.OpenStream(context.Background(), simpleRequest())
	require.NoError(t, err)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":"Hello"`)
	assert.Contains(t, string(body), "data: [DONE]")
	assert.Equal(t, "DeepSeek-V3", stream.Model)

	got := <-seen
	gotHeaders, gotBody := got.headers, got.body
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "text/event-stream", gotHeaders.Get("Accept"))
	assert.Equal(t, "Bearer test-key", gotHeaders.Get("Authorization"))

	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, "DeepSeek-V3", gotBody["model"])
	assert.InDelta(t, 0.7, gotBody["temperature"], 1e-6)
	assert.EqualValues(t, 2048, gotBody["max_tokens"])
	assert.InDelta(t, 0.95, gotBody["top_p"], 1e-6)

	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, datatypes.DefaultSystemPrompt, system["content"])
	user := messages[1].(map[string]any)
	assert.Equal(t, "user", user["role"])
	assert.Equal(t, "Hi", user["content"])
}

func TestOpenStream_ExplicitZeroTemperatureIsSent(t *testing.T) {
	seen := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		seen <- body
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	zero := float32(0)
	req := simpleRequest()
	req.SystemPrompt = "Be brief."
	req.Params = datatypes.GenerationParams{Temperature: &zero}

	stream, err := newTestClient(t, server.URL, time.Second).OpenStream(context.Background(), req)
	require.NoError(t, err)
	stream.Close()

	gotBody := <-seen
	temp, present := gotBody["temperature"]
	require.True(t, present)
	assert.EqualValues(t, 0, temp)

	messages := gotBody["messages"].([]any)
	assert.Equal(t, "Be brief.", messages[0].(map[string]any)["content"])
}

func TestToChatMessage_MultimodalParts(t *testing.T) {
	turn := datatypes.Turn{
		Role: datatypes.RoleUser,
		Content: datatypes.Parts(
			datatypes.Part{Kind: datatypes.PartText, Value: "What is this?"},
			datatypes.Part{Kind: datatypes.PartImage, Value: "https://example.com/cat.png"},
		),
	}

	msg := toChatMessage(turn)

	assert.Equal(t, "user", msg.Role)
	assert.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 2)
	assert.Equal(t, "What is this?", msg.MultiContent[0].Text)
	require.NotNil(t, msg.MultiContent[1].ImageURL)
	assert.Equal(t, "https://example.com/cat.png", msg.MultiContent[1].ImageURL.URL)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"image_url"`)
}

// =============================================================================
// Failures Before Streaming
// =============================================================================

func TestOpenStream_StatusErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantKind    datatypes.UpstreamKind
		wantMessage string
	}{
		{
			name:        "status text fallback",
			status:      http.StatusServiceUnavailable,
			body:        "upstream down",
			wantKind:    datatypes.UpstreamStatus,
			wantMessage: "Azure OpenAI API error: Service Unavailable",
		},
		{
			name:        "provider message",
			status:      http.StatusBadRequest,
			body:        `{"error":{"message":"model not found","type":"invalid_request_error"}}`,
			wantKind:    datatypes.UpstreamStatus,
			wantMessage: "Azure OpenAI API error: model not found",
		},
		{
			name:        "credential rejected",
			status:      http.StatusUnauthorized,
			body:        `{"error":{"message":"bad key","type":"invalid_api_key"}}`,
			wantKind:    datatypes.UpstreamCredentialRejected,
			wantMessage: "Azure OpenAI API error: bad key",
		},
		{
			name:        "forbidden",
			status:      http.StatusForbidden,
			wantKind:    datatypes.UpstreamCredentialRejected,
			wantMessage: "Azure OpenAI API error: Forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			stream, err := newTestClient(t, server.URL, time.Second).OpenStream(context.Background(), simpleRequest())
			assert.Nil(t, stream)
			upErr := requireUpstreamError(t, err, tt.wantKind)
			assert.Equal(t, tt.status, upErr.StatusCode)
			assert.Equal(t, tt.wantMessage, upErr.Message)
		})
	}
}

func TestOpenStream_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, time.Second).OpenStream(context.Background(), simpleRequest())
	requireUpstreamError(t, err, datatypes.UpstreamEmptyBody)
}

func TestOpenStream_TimeoutBeforeHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	start := time.Now()
	_, err := newTestClient(t, server.URL, 50*time.Millisecond).OpenStream(context.Background(), simpleRequest())
	requireUpstreamError(t, err, datatypes.UpstreamTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestOpenStream_TimeoutAfterHeadersBeforeFirstByte(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 50*time.Millisecond).OpenStream(context.Background(), simpleRequest())
	requireUpstreamError(t, err, datatypes.UpstreamTimeout)
}

func TestOpenStream_NoTimeoutOnceBytesFlow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	stream, err := newTestClient(t, server.URL, 50*time.Millisecond).OpenStream(context.Background(), simpleRequest())
	require.NoError(t, err)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Contains(t, string(body), "[DONE]")
}

func TestOpenStream_CallerCancellationIsNotAnUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := newTestClient(t, server.URL, 5*time.Second).OpenStream(ctx, simpleRequest())
	assert.ErrorIs(t, err, context.Canceled)
	var upErr *datatypes.UpstreamError
	assert.False(t, errors.As(err, &upErr))
}

func TestOpenStream_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url, time.Second).OpenStream(context.Background(), simpleRequest())
	requireUpstreamError(t, err, datatypes.UpstreamTransport)
}

func TestNewOpenAICompatibleClient_RejectsBadURL(t *testing.T) {
	_, err := NewOpenAICompatibleClient(Config{URL: "::not-a-url"})
	assert.Error(t, err)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	cancels := 0
	s := NewStream("m", io.NopCloser(nil), func() { cancels++ })
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, cancels)
}
