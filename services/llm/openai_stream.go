// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

const (
	// DefaultUpstreamURL is the Azure-hosted OpenAI-compatible endpoint.
	DefaultUpstreamURL = "https://models.inference.ai.azure.com/chat/completions"

	// DefaultProviderName prefixes upstream error messages.
	DefaultProviderName = "Azure OpenAI"

	// DefaultUpstreamTimeout bounds the wait for the first body byte.
	DefaultUpstreamTimeout = 60 * time.Second

	maxErrorBodyBytes = 64 * 1024
)

var tracer = otel.Tracer("aleutian.relay.llm")

// Config configures an OpenAICompatibleClient.
//
// # Fields
//
//   - URL: Full chat-completions endpoint. Defaults to DefaultUpstreamURL.
//   - APIKey: Sent as a bearer token.
//   - ProviderName: Used in error messages. Defaults to "Azure OpenAI".
//   - UpstreamTimeout: Time from send until the first body byte.
//   - DefaultSystemPrompt: Prepended when a request has no system prompt.
//   - Defaults: Sampling parameters for fields the request leaves nil.
//   - HTTPClient: Optional. Must not set a Timeout, which would cut off
//     long streams.
type Config struct {
	URL                 string
	APIKey              string
	ProviderName        string
	UpstreamTimeout     time.Duration
	DefaultSystemPrompt string
	Defaults            datatypes.GenerationParams
	HTTPClient          *http.Client
	Logger              *slog.Logger
}

// OpenAICompatibleClient streams chat completions from any endpoint that
// speaks the OpenAI chat-completions SSE dialect.
//
// # Description
//
// Each OpenStream call is one POST with "stream": true. The call returns
// once the provider has sent the first body byte, so every failure to get
// a stream going surfaces before the caller commits to a response.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAICompatibleClient struct {
	url          string
	apiKey       string
	provider     string
	timeout      time.Duration
	systemPrompt string
	defaults     datatypes.GenerationParams
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewOpenAICompatibleClient validates cfg and fills in defaults.
func NewOpenAICompatibleClient(cfg Config) (*OpenAICompatibleClient, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultUpstreamURL
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL: %q", cfg.URL)
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = DefaultProviderName
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.DefaultSystemPrompt == "" {
		cfg.DefaultSystemPrompt = datatypes.DefaultSystemPrompt
	}
	cfg.Defaults = cfg.Defaults.WithDefaults(datatypes.DefaultGenerationParams())
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIKey == "" {
		cfg.Logger.Warn("No upstream API key configured; requests will be sent unauthenticated", "url", cfg.URL)
	}

	return &OpenAICompatibleClient{
		url:          cfg.URL,
		apiKey:       cfg.APIKey,
		provider:     cfg.ProviderName,
		timeout:      cfg.UpstreamTimeout,
		systemPrompt: cfg.DefaultSystemPrompt,
		defaults:     cfg.Defaults,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
	}, nil
}

// streamBody is the request envelope. Sampling fields carry no omitempty
// so that an explicit zero is sent.
type streamBody struct {
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Stream      bool                           `json:"stream"`
	Model       string                         `json:"model"`
	Temperature float32                        `json:"temperature"`
	MaxTokens   int                            `json:"max_tokens"`
	TopP        float32                        `json:"top_p"`
}

// OpenStream implements StreamClient.
//
// # Description
//
// Sends the request and peeks one byte of the body. UpstreamTimeout covers
// everything up to that byte; after it, the stream is bounded only by ctx.
//
// # Outputs
//
//   - *Stream: Open body positioned at its first byte. Caller must Close.
//   - error: *datatypes.UpstreamError, or ctx.Err() when ctx ended first.
func (c *OpenAICompatibleClient) OpenStream(ctx context.Context, req StreamRequest) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", c.provider),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.turns", len(req.Turns)),
	)

	fail := func(err error) (*Stream, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	payload, err := json.Marshal(c.buildBody(req))
	if err != nil {
		return fail(fmt.Errorf("encode upstream request: %w", err))
	}

	reqCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	abort := func(err error) (*Stream, error) {
		timer.Stop()
		cancel()
		return fail(err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return abort(fmt.Errorf("build upstream request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("Opening upstream stream", "model", req.Model, "turns", len(req.Turns))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return abort(c.transportError(ctx, err, timedOut.Load()))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upErr := c.statusError(resp)
		resp.Body.Close()
		return abort(upErr)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return abort(c.emptyBodyError(resp.StatusCode))
	}

	stream := NewStream(req.Model, resp.Body, cancel)
	if _, err := stream.reader.Peek(1); err != nil {
		timer.Stop()
		stream.Close()
		if errors.Is(err, io.EOF) && !timedOut.Load() {
			return fail(c.emptyBodyError(resp.StatusCode))
		}
		return fail(c.transportError(ctx, err, timedOut.Load()))
	}
	if !timer.Stop() {
		// The timer fired between the peek and Stop; the request context
		// is already cancelled.
		stream.Close()
		return fail(c.timeoutError())
	}
	return stream, nil
}

func (c *OpenAICompatibleClient) buildBody(req StreamRequest) streamBody {
	params := req.Params.WithDefaults(c.defaults)

	system := req.SystemPrompt
	if system == "" {
		system = c.systemPrompt
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, t := range req.Turns {
		messages = append(messages, toChatMessage(t))
	}

	return streamBody{
		Messages:    messages,
		Stream:      true,
		Model:       req.Model,
		Temperature: *params.Temperature,
		MaxTokens:   *params.MaxTokens,
		TopP:        *params.TopP,
	}
}

func toChatMessage(t datatypes.Turn) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: string(t.Role)}
	switch t.Content.Kind() {
	case datatypes.ContentText:
		msg.Content = t.Content.TextValue()
	case datatypes.ContentParts:
		parts := t.Content.PartList()
		msg.MultiContent = make([]openai.ChatMessagePart, 0, len(parts))
		for _, p := range parts {
			switch p.Kind {
			case datatypes.PartText:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Value,
				})
			case datatypes.PartImage:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    p.Value,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
	}
	return msg
}

// =============================================================================
// Error Mapping
// =============================================================================

func (c *OpenAICompatibleClient) statusError(resp *http.Response) *datatypes.UpstreamError {
	message := http.StatusText(resp.StatusCode)
	if message == "" {
		message = resp.Status
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var errResp openai.ErrorResponse
	if len(raw) > 0 && json.Unmarshal(raw, &errResp) == nil && errResp.Error != nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	kind := datatypes.UpstreamStatus
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = datatypes.UpstreamCredentialRejected
	}
	c.logger.Warn("Upstream returned an error status", "status", resp.StatusCode, "message", message)
	return &datatypes.UpstreamError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("%s API error: %s", c.provider, message),
	}
}

func (c *OpenAICompatibleClient) emptyBodyError(status int) *datatypes.UpstreamError {
	return &datatypes.UpstreamError{
		Kind:       datatypes.UpstreamEmptyBody,
		StatusCode: status,
		Message:    fmt.Sprintf("%s API error: response body is empty", c.provider),
	}
}

func (c *OpenAICompatibleClient) timeoutError() *datatypes.UpstreamError {
	return &datatypes.UpstreamError{
		Kind:    datatypes.UpstreamTimeout,
		Message: fmt.Sprintf("%s API error: no response within %s", c.provider, c.timeout),
		Err:     context.DeadlineExceeded,
	}
}

// transportError maps a failed send or read. A cancelled caller context is
// returned as is so the orchestrator can tell a disconnect from a fault.
func (c *OpenAICompatibleClient) transportError(ctx context.Context, err error, timedOut bool) error {
	if timedOut {
		return c.timeoutError()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &datatypes.UpstreamError{
		Kind:    datatypes.UpstreamTransport,
		Message: fmt.Sprintf("%s API error: request failed", c.provider),
		Err:     err,
	}
}

var _ StreamClient = (*OpenAICompatibleClient)(nil)
