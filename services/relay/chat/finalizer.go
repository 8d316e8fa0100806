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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// finalizer ends a started stream exactly once: either the full text is
// persisted and the sentinel sent, or an error frame is sent and the
// fallback apology persisted.
type finalizer struct {
	store   store.MessageStore
	metrics *observability.RelayMetrics
	timeout time.Duration
	caller  store.Caller
	chatID  string
	em      Emitter
	logger  *slog.Logger

	once sync.Once
}

// Complete persists text as the assistant turn, then sends the sentinel.
// An empty text is still persisted. The returned error is from the
// sentinel write only.
func (f *finalizer) Complete(ctx context.Context, text string) error {
	var err error
	ran := false
	f.once.Do(func() {
		ran = true
		f.persist(ctx, text)
		err = f.em.Done()
	})
	if !ran {
		f.logger.Debug("Finalizer already ran, ignoring Complete")
	}
	return err
}

// Fail sends an in-band error frame for cause, then persists the fallback
// apology so history shows the failure.
func (f *finalizer) Fail(ctx context.Context, cause error) {
	ran := false
	f.once.Do(func() {
		ran = true
		if err := f.em.Error(datatypes.PublicErrorMessage, PublicDetails(cause)); err != nil {
			f.logger.Debug("Could not deliver error frame", "error", err)
		}
		f.persist(ctx, datatypes.FallbackMessage)
	})
	if !ran {
		f.logger.Debug("Finalizer already ran, ignoring Fail", "cause", cause)
	}
}

func (f *finalizer) persist(ctx context.Context, content string) {
	persistMessage(ctx, f.store, f.metrics, f.timeout, f.caller, f.chatID, datatypes.PersistedMessage{
		Role:    datatypes.RoleAssistant,
		Content: content,
	}, f.logger)
}
