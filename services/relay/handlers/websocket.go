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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/services/relay/chat"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

const (
	// wsFirstMessageTimeout bounds the wait for the ChatRequest.
	wsFirstMessageTimeout = 30 * time.Second

	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// WSFrame is one server-to-client WebSocket message.
//
//	{"type":"content","content":"..."}
//	{"type":"done"}
//	{"type":"error","error":"...","details":"..."}
type WSFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

const (
	WSFrameContent = "content"
	WSFrameDone    = "done"
	WSFrameError   = "error"
)

// =============================================================================
// Emitter
// =============================================================================

// wsEmitter writes relay frames as WebSocket JSON messages.
type wsEmitter struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	started bool
}

func (e *wsEmitter) Start() error {
	e.started = true
	return nil
}

func (e *wsEmitter) Content(fragment string) error {
	return e.send(WSFrame{Type: WSFrameContent, Content: fragment})
}

func (e *wsEmitter) Done() error {
	return e.send(WSFrame{Type: WSFrameDone})
}

func (e *wsEmitter) Error(message, details string) error {
	return e.send(WSFrame{Type: WSFrameError, Error: message, Details: details})
}

func (e *wsEmitter) send(frame WSFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := e.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// =============================================================================
// Handler
// =============================================================================

// HandleChatWebSocket serves GET /v1/chat/ws.
//
// # Description
//
// The first client message is a ChatRequest JSON, validated exactly like
// the SSE body. The reply is a sequence of WSFrame messages ending with
// one "done" or "error" frame, after which the server closes the
// connection. A read error (client closed) cancels the relay.
//
// # Limitations
//
//   - One request per connection.
func (h *ChatHandler) HandleChatWebSocket(c *gin.Context) {
	endpoint := observability.EndpointWebSocket

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade the websocket", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		h.metrics.RecordRequest(endpoint, observability.StatusRejected)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	ctx, span := tracer.Start(ctx, "HandleChatWebSocket")
	defer span.End()

	em := &wsEmitter{conn: conn}

	// Step 1: Read and validate the first message
	conn.SetReadLimit(h.cfg.MaxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsFirstMessageTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.Debug("No chat request received on websocket", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		h.metrics.RecordRequest(endpoint, observability.StatusAborted)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := datatypes.ValidateChatRequest(raw)
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		h.rejectWS(em, endpoint, err)
		return
	}
	span.SetAttributes(attribute.String("chat.id", req.ChatID), attribute.String("user.id", req.UserID))

	// Step 2: Resolve the caller
	caller, err := callerFor(c, req.UserID)
	if err != nil {
		span.SetStatus(codes.Error, "unauthorized")
		h.auditChat(ctx, req, endpoint, "denied", err)
		h.rejectWS(em, endpoint, err)
		return
	}

	// Step 3: Watch for the client going away
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Step 4: Relay
	err = h.relay.Handle(ctx, caller, req, em)
	if resp := h.finish(ctx, req, endpoint, em.started, err); resp != nil {
		_ = em.send(frameFor(*resp))
	}

	em.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	em.mu.Unlock()
}

// rejectWS sends the error frame for a request rejected before relaying.
func (h *ChatHandler) rejectWS(em *wsEmitter, endpoint observability.Endpoint, err error) {
	resp := classifyError(err)
	recordRejection(h.metrics, endpoint, resp)
	if sendErr := em.send(frameFor(resp)); sendErr != nil {
		h.logger.Debug("Failed to send websocket error frame", "error", sendErr)
	}
}

// frameFor converts a JSON error response into an error frame. The
// validation "received" echo travels in Details.
func frameFor(resp errorResponse) WSFrame {
	frame := WSFrame{Type: WSFrameError}
	if msg, ok := resp.Body["error"].(string); ok {
		frame.Error = msg
	}
	if details, ok := resp.Body["details"].(string); ok {
		frame.Details = details
	} else if received, ok := resp.Body["received"].(string); ok {
		frame.Details = received
	}
	return frame
}

var _ chat.Emitter = (*wsEmitter)(nil)
