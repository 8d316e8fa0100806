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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/chat"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

// DefaultHeartbeatInterval is the gap between SSE keepalive comments.
const DefaultHeartbeatInterval = 15 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes relay frames in Server-Sent Events format.
//
// # Description
//
// Frames on the wire:
//
//	data: {"content":"..."}\n\n
//	data: [DONE]\n\n
//	data: {"error":"...","details":"..."}\n\n
//	: ping\n\n
//
// Every write is flushed immediately.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat writes
// from its own goroutine while the relay writes fragments.
type SSEWriter interface {
	// WriteContent writes one fragment frame.
	WriteContent(content string) error

	// WriteDone writes the terminal sentinel.
	WriteDone() error

	// WriteError writes an in-band error frame.
	WriteError(message, details string) error

	// WriteKeepAlive writes an SSE comment that clients ignore.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter is the default SSEWriter.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteContent("Hello")
//	writer.WriteDone()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteContent(content string) error {
	data, err := json.Marshal(datatypes.ContentFrame{Content: content})
	if err != nil {
		return fmt.Errorf("marshal content frame: %w", err)
	}
	return w.writeData(data)
}

func (w *sseWriter) WriteDone() error {
	return w.writeData([]byte(datatypes.DoneSentinel))
}

func (w *sseWriter) WriteError(message, details string) error {
	data, err := json.Marshal(datatypes.ErrorFrame{Error: message, Details: details})
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	return w.writeData(data)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) writeData(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Emitter
// =============================================================================

// sseEmitter adapts an HTTP response to chat.Emitter. Headers and the 200
// status are only committed on Start, so a failure before Start can still
// be answered with a JSON error.
type sseEmitter struct {
	ctx       context.Context
	w         http.ResponseWriter
	writer    SSEWriter
	heartbeat time.Duration
	metrics   *observability.RelayMetrics
	logger    *slog.Logger

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newSSEEmitter(ctx context.Context, w http.ResponseWriter, heartbeat time.Duration,
	metrics *observability.RelayMetrics, logger *slog.Logger) *sseEmitter {
	return &sseEmitter{
		ctx:       ctx,
		w:         w,
		heartbeat: heartbeat,
		metrics:   metrics,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

func (e *sseEmitter) Start() error {
	if e.started {
		return nil
	}
	writer, err := NewSSEWriter(e.w)
	if err != nil {
		return err
	}
	SetSSEHeaders(e.w)
	e.w.WriteHeader(http.StatusOK)
	e.writer = writer
	e.started = true

	if e.heartbeat > 0 {
		e.wg.Add(1)
		go e.runHeartbeat()
	}
	return nil
}

func (e *sseEmitter) Content(fragment string) error {
	if !e.started {
		return errNotStarted
	}
	return e.writer.WriteContent(fragment)
}

func (e *sseEmitter) Done() error {
	if !e.started {
		return errNotStarted
	}
	return e.writer.WriteDone()
}

func (e *sseEmitter) Error(message, details string) error {
	if !e.started {
		return errNotStarted
	}
	return e.writer.WriteError(message, details)
}

// Started reports whether response headers were committed.
func (e *sseEmitter) Started() bool {
	return e.started
}

// Close stops the heartbeat and waits for it. Safe to call without Start.
func (e *sseEmitter) Close() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
}

// runHeartbeat sends periodic keepalive comments until Close or the
// request context ends. A failed write stops it.
func (e *sseEmitter) runHeartbeat() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.writer.WriteKeepAlive(); err != nil {
				e.logger.Debug("Failed to write keepalive", "error", err)
				return
			}
			e.metrics.RecordKeepAlive()
		}
	}
}

var errNotStarted = errors.New("stream not started")

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var (
	_ SSEWriter    = (*sseWriter)(nil)
	_ chat.Emitter = (*sseEmitter)(nil)
)
