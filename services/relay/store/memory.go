// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

type memoryChat struct {
	owner    string
	messages []datatypes.PersistedMessage
}

// MemoryStore keeps messages in a map. Contents are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string]*memoryChat
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string]*memoryChat),
		now:   time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, caller Caller, chatID string, msg datatypes.PersistedMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := prepare(caller, chatID, msg, s.now)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		chat = &memoryChat{owner: caller.UserID}
		s.chats[chatID] = chat
	}
	if chat.owner != caller.UserID {
		return "", ErrForbidden
	}

	msg.Attachments = append([]string(nil), msg.Attachments...)
	chat.messages = append(chat.messages, msg)
	return msg.ID, nil
}

func (s *MemoryStore) List(ctx context.Context, caller Caller, chatID string) ([]datatypes.PersistedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkRead(caller, chatID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return []datatypes.PersistedMessage{}, nil
	}
	if chat.owner != caller.UserID {
		return nil, ErrForbidden
	}

	out := make([]datatypes.PersistedMessage, len(chat.messages))
	copy(out, chat.messages)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ MessageStore = (*MemoryStore)(nil)
