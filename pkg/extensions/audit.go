// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "chat.stream",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       caller.UserID,
//	    Action:       "send",
//	    ResourceType: "chat",
//	    ResourceID:   chatID,
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"transport": "sse"},
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred (UTC). Implementations set it
	// when zero.
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	// Action describes the operation: "send", "read".
	Action string

	// ResourceType is the category of resource involved, e.g. "chat".
	ResourceType string

	// ResourceID is the specific resource instance.
	ResourceID string

	// Outcome is one of "success", "failure", "denied", "aborted".
	Outcome string

	// Metadata holds event-specific details.
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use and should return
// quickly; a streaming response is not held up by auditing.
type AuditLogger interface {
	// Log records one event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Flush is a no-op.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes audit events as structured log records.
//
// # Description
//
// Each event becomes one Info record with message "audit" and the event
// fields as attributes, so audit lines can be filtered out of the
// service log by message.
//
// # Thread Safety
//
// Safe for concurrent use; slog handlers serialize writes.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger on top of logger. A nil
// logger uses slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes event at Info level.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		meta := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Flush is a no-op; records are written synchronously.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
