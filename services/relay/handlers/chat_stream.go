// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the relay over HTTP: the SSE chat stream, its
// WebSocket twin, chat history and health.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/chat"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

var tracer = otel.Tracer("aleutian.relay.handlers")

// DefaultMaxBodyBytes caps an inbound chat request body.
const DefaultMaxBodyBytes int64 = 1 << 20

// =============================================================================
// Handler
// =============================================================================

// ChatHandlerConfig tunes the chat handlers. Zero values take defaults.
type ChatHandlerConfig struct {
	// MaxBodyBytes caps the request body (SSE) or first message (WebSocket).
	MaxBodyBytes int64

	// HeartbeatInterval is the SSE keepalive period. Negative disables it.
	HeartbeatInterval time.Duration
}

// ChatHandler serves streaming chat over SSE and WebSocket.
//
// # Thread Safety
//
// Safe for concurrent use; all per-request state lives on the stack.
type ChatHandler struct {
	relay   *chat.Relay
	metrics *observability.RelayMetrics
	audit   extensions.AuditLogger
	logger  *slog.Logger
	cfg     ChatHandlerConfig
}

// NewChatHandler creates a ChatHandler.
//
// # Inputs
//
//   - relay: The orchestrator. Must not be nil.
//   - metrics: Prometheus metrics. May be nil.
//   - audit: Audit sink. Nil uses NopAuditLogger.
//   - logger: Logger. Nil uses slog.Default().
//   - cfg: Limits and heartbeat.
//
// # Examples
//
//	h := handlers.NewChatHandler(relay, metrics, opts.AuditLogger, logger, handlers.ChatHandlerConfig{})
//	router.POST("/api/chat", h.HandleChatStream)
func NewChatHandler(relay *chat.Relay, metrics *observability.RelayMetrics, audit extensions.AuditLogger,
	logger *slog.Logger, cfg ChatHandlerConfig) *ChatHandler {
	if relay == nil {
		panic("NewChatHandler: relay must not be nil")
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &ChatHandler{relay: relay, metrics: metrics, audit: audit, logger: logger, cfg: cfg}
}

// HandleChatStream serves POST /api/chat and POST /v1/chat/stream.
//
// # Description
//
//  1. Reads the size-limited body and validates it (400 on failure).
//  2. Derives the Caller from the auth middleware; a userId that differs
//     from the authenticated user is rejected with 401.
//  3. Runs the relay with an SSE emitter. Failures before the stream
//     started are answered with JSON; after that the relay has already
//     sent an in-band error frame.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	endpoint := observability.EndpointSSE
	ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// Step 1: Read and validate the body
	raw, err := readBody(c, h.cfg.MaxBodyBytes)
	if err != nil {
		span.SetStatus(codes.Error, "read body")
		writeError(c, h.metrics, endpoint, err)
		return
	}
	req, err := datatypes.ValidateChatRequest(raw)
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		h.logger.Debug("Rejected chat request", "error", err)
		writeError(c, h.metrics, endpoint, err)
		return
	}
	span.SetAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("user.id", req.UserID),
	)

	// Step 2: Resolve the caller
	caller, err := callerFor(c, req.UserID)
	if err != nil {
		span.SetStatus(codes.Error, "unauthorized")
		h.auditChat(ctx, req, endpoint, "denied", err)
		writeError(c, h.metrics, endpoint, err)
		return
	}

	// Step 3: Relay
	em := newSSEEmitter(ctx, c.Writer, h.cfg.HeartbeatInterval, h.metrics, h.logger)
	defer em.Close()

	err = h.relay.Handle(ctx, caller, req, em)
	if resp := h.finish(ctx, req, endpoint, em.Started(), err); resp != nil {
		span.SetStatus(codes.Error, "upstream open failed")
		c.AbortWithStatusJSON(resp.Status, resp.Body)
	}
}

// finish records the outcome of a relayed request. When the stream never
// started it returns the error response the transport still owes the
// client.
func (h *ChatHandler) finish(ctx context.Context, req *datatypes.ValidatedRequest,
	endpoint observability.Endpoint, started bool, err error) *errorResponse {
	switch {
	case err == nil:
		h.metrics.RecordRequest(endpoint, observability.StatusCompleted)
		h.auditChat(ctx, req, endpoint, "success", nil)

	case errors.Is(err, chat.ErrClientDisconnected):
		h.metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		h.metrics.RecordRequest(endpoint, observability.StatusAborted)
		h.auditChat(ctx, req, endpoint, "aborted", nil)

	case !started:
		h.auditChat(ctx, req, endpoint, "failure", err)
		resp := classifyError(err)
		recordRejection(h.metrics, endpoint, resp)
		return &resp

	default:
		h.metrics.RecordError(endpoint, streamErrorCode(err))
		h.metrics.RecordRequest(endpoint, observability.StatusFailed)
		h.auditChat(ctx, req, endpoint, "failure", err)
	}
	return nil
}

func (h *ChatHandler) auditChat(ctx context.Context, req *datatypes.ValidatedRequest,
	endpoint observability.Endpoint, outcome string, cause error) {
	meta := map[string]any{"transport": string(endpoint), "turns": len(req.Turns)}
	if cause != nil {
		meta["error"] = chat.PublicDetails(cause)
	}
	if err := h.audit.Log(context.WithoutCancel(ctx), extensions.AuditEvent{
		EventType:    "chat.stream",
		Timestamp:    time.Now().UTC(),
		UserID:       req.UserID,
		Action:       "send",
		ResourceType: "chat",
		ResourceID:   req.ChatID,
		Outcome:      outcome,
		Metadata:     meta,
	}); err != nil {
		h.logger.Warn("Failed to write audit event", "error", err)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// readBody reads at most limit bytes of the request body.
func readBody(c *gin.Context, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, &datatypes.ValidationError{
			Kind:    datatypes.ValidationInvalidBody,
			Message: "Failed to read request body",
		}
	}
	return raw, nil
}

// callerFor builds the store Caller for a request naming bodyUser. An
// authenticated identity must match; without one the body is trusted.
func callerFor(c *gin.Context, bodyUser string) (store.Caller, error) {
	info := middleware.GetAuthInfo(c)
	token := ""
	if info != nil {
		token = info.Token
	}
	if info.Authenticated() && info.UserID != bodyUser {
		return store.Caller{}, errUserMismatch
	}
	return store.Caller{UserID: bodyUser, Token: token}, nil
}
