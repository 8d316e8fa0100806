// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of the per-request lifecycle.
type State string

const (
	StateReceived             State = "RECEIVED"
	StateValidated            State = "VALIDATED"
	StateUserMessagePersisted State = "USER_MESSAGE_PERSISTED"
	StateUpstreamStreaming    State = "UPSTREAM_STREAMING"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
)

var transitions = map[State][]State{
	StateReceived:             {StateValidated, StateFailed},
	StateValidated:            {StateUserMessagePersisted, StateFailed},
	StateUserMessagePersisted: {StateUpstreamStreaming, StateFailed},
	StateUpstreamStreaming:    {StateCompleted, StateFailed},
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// stateTracker follows one request through the lifecycle. Transitions are
// logged at debug level and recorded as span events.
type stateTracker struct {
	current State
	logger  *slog.Logger
	span    trace.Span
	history []State
}

func newStateTracker(start State, logger *slog.Logger, span trace.Span) *stateTracker {
	t := &stateTracker{current: start, logger: logger, span: span, history: []State{start}}
	span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(start))))
	return t
}

// to moves to next. An illegal move is logged and ignored.
func (t *stateTracker) to(next State) bool {
	if !t.current.CanTransition(next) {
		t.logger.Error("Invalid state transition", "from", t.current, "to", next)
		return false
	}
	t.logger.Debug("State transition", "from", t.current, "to", next)
	t.span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(next))))
	t.current = next
	t.history = append(t.history, next)
	return true
}

// abort records a client disconnect. It is not a lifecycle state; the
// request simply stops where it was.
func (t *stateTracker) abort() {
	t.logger.Debug("Request aborted by client", "state", t.current)
	t.span.AddEvent("aborted", trace.WithAttributes(attribute.String("state", string(t.current))))
}
