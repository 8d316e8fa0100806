// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat messages.
//
// # Description
//
// A MessageStore is append-only and keyed by chat ID. The first append to
// a chat records its owner; later appends and reads by any other user are
// rejected with ErrForbidden. The caller's identity is always passed in
// explicitly so concurrent requests never share credentials.
//
// Three backends are provided: an in-process map, an embedded BadgerDB and
// a Weaviate class.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

var (
	// ErrForbidden means the caller does not own the chat.
	ErrForbidden = errors.New("caller does not own this chat")

	// ErrNoCaller means the caller carries no user ID.
	ErrNoCaller = errors.New("caller identity is required")

	// ErrNoChatID means an empty chat ID was passed.
	ErrNoChatID = errors.New("chat id is required")
)

// Caller identifies who is writing or reading. Token is the caller's
// credential, forwarded to backends that authorize per request.
type Caller struct {
	UserID string
	Token  string
}

// MessageStore is the persistence contract the relay depends on.
type MessageStore interface {
	// Append records msg under chatID and returns the new message ID.
	// ChatID, UserID, ID and a zero Timestamp are filled in by the store.
	Append(ctx context.Context, caller Caller, chatID string, msg datatypes.PersistedMessage) (string, error)

	// List returns the chat's messages in append order.
	List(ctx context.Context, caller Caller, chatID string) ([]datatypes.PersistedMessage, error)

	// Close releases the backend.
	Close() error
}

// prepare validates the call and fills the store-owned fields of msg.
func prepare(caller Caller, chatID string, msg datatypes.PersistedMessage, now func() time.Time) (datatypes.PersistedMessage, error) {
	if caller.UserID == "" {
		return msg, ErrNoCaller
	}
	if chatID == "" {
		return msg, ErrNoChatID
	}
	msg.ID = uuid.New().String()
	msg.ChatID = chatID
	msg.UserID = caller.UserID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now().UTC()
	}
	return msg, nil
}

func checkRead(caller Caller, chatID string) error {
	if caller.UserID == "" {
		return ErrNoCaller
	}
	if chatID == "" {
		return ErrNoChatID
	}
	return nil
}
