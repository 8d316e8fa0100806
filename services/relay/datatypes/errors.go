// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Validation Errors
// =============================================================================

// ValidationKind classifies a rejected request.
type ValidationKind string

const (
	ValidationInvalidBody       ValidationKind = "invalid_body"
	ValidationMissingFields     ValidationKind = "missing_fields"
	ValidationNoUserMessage     ValidationKind = "no_user_message"
	ValidationLastTurnNotUser   ValidationKind = "last_turn_not_user"
	ValidationInvalidParameters ValidationKind = "invalid_parameters"
)

// ValidationError is returned before any upstream call and maps to HTTP 400.
//
// # Fields
//
//   - Kind: Machine-readable reason.
//   - Message: Human-readable message, safe to show the caller.
//   - Fields: The offending fields, in a stable order.
//   - Received: Comma-joined top-level keys of the body, for missing_fields.
type ValidationError struct {
	Kind     ValidationKind
	Message  string
	Fields   []string
	Received string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// =============================================================================
// Upstream Errors
// =============================================================================

// UpstreamKind classifies a failure to open the provider stream.
type UpstreamKind string

const (
	UpstreamStatus             UpstreamKind = "status"
	UpstreamCredentialRejected UpstreamKind = "credential_rejected"
	UpstreamEmptyBody          UpstreamKind = "empty_body"
	UpstreamTimeout            UpstreamKind = "timeout"
	UpstreamTransport          UpstreamKind = "transport"
)

// UpstreamError is returned when the provider stream could not be opened.
// Nothing has been sent to the client when it occurs.
type UpstreamError struct {
	Kind       UpstreamKind
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	return e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Stream Errors
// =============================================================================

// StreamKind classifies a failure after streaming has started.
type StreamKind string

const (
	StreamTransport   StreamKind = "transport"
	StreamTooLarge    StreamKind = "too_large"
	StreamClientWrite StreamKind = "client_write"
)

// StreamError is a fatal failure while relaying an open stream.
type StreamError struct {
	Kind StreamKind
	Err  error
}

func (e *StreamError) Error() string {
	switch e.Kind {
	case StreamTransport:
		return "upstream stream interrupted"
	case StreamTooLarge:
		return "response exceeded the maximum size"
	case StreamClientWrite:
		return "client connection lost"
	default:
		return "stream failed"
	}
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Persistence Errors
// =============================================================================

// PersistenceError wraps a failed message store append. It is logged and
// counted, never surfaced to the client.
type PersistenceError struct {
	ChatID string
	Role   Role
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s message for chat %s: %v", e.Role, e.ChatID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Helpers
// =============================================================================

// IsClientGone reports whether err means the client went away, either by
// cancelling the request or by failing a write.
func IsClientGone(err error) bool {
	var se *StreamError
	if errors.As(err, &se) && se.Kind == StreamClientWrite {
		return true
	}
	return errors.Is(err, context.Canceled)
}

var (
	_ error = (*ValidationError)(nil)
	_ error = (*UpstreamError)(nil)
	_ error = (*StreamError)(nil)
	_ error = (*PersistenceError)(nil)
)
