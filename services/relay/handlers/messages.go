// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// MessagesHandler serves the chat history of a caller.
type MessagesHandler struct {
	store   store.MessageStore
	metrics *observability.RelayMetrics
	audit   extensions.AuditLogger
	logger  *slog.Logger
}

// NewMessagesHandler creates a MessagesHandler over s.
func NewMessagesHandler(s store.MessageStore, metrics *observability.RelayMetrics,
	audit extensions.AuditLogger, logger *slog.Logger) *MessagesHandler {
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagesHandler{store: s, metrics: metrics, audit: audit, logger: logger}
}

// MessagesResponse is the body of a history listing.
type MessagesResponse struct {
	ChatID   string                       `json:"chatId"`
	Messages []datatypes.PersistedMessage `json:"messages"`
}

// HandleListMessages serves GET /v1/chats/:chatId/messages.
//
// # Description
//
// The caller is the authenticated user; without an authenticating
// provider the userId query parameter names it. Messages come back in
// append order. 401 without a user, 403 when the chat belongs to someone
// else.
func (h *MessagesHandler) HandleListMessages(c *gin.Context) {
	endpoint := observability.EndpointHistory
	chatID := c.Param("chatId")

	caller := store.Caller{UserID: c.Query("userId")}
	if info := middleware.GetAuthInfo(c); info != nil {
		caller.Token = info.Token
		if info.Authenticated() {
			caller.UserID = info.UserID
		}
	}

	msgs, err := h.store.List(c.Request.Context(), caller, chatID)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	h.auditRead(c.Request.Context(), caller.UserID, chatID, outcome)
	if err != nil {
		h.logger.Debug("History read rejected", "chat_id", chatID, "error", err)
		writeError(c, h.metrics, endpoint, err)
		return
	}
	if msgs == nil {
		msgs = []datatypes.PersistedMessage{}
	}

	h.metrics.RecordRequest(endpoint, observability.StatusCompleted)
	c.JSON(http.StatusOK, MessagesResponse{ChatID: chatID, Messages: msgs})
}

func (h *MessagesHandler) auditRead(ctx context.Context, userID, chatID, outcome string) {
	if err := h.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.history",
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "read",
		ResourceType: "chat",
		ResourceID:   chatID,
		Outcome:      outcome,
	}); err != nil {
		h.logger.Warn("Failed to write audit event", "error", err)
	}
}
