// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// BadgerConfig configures the embedded message store.
//
// # Fields
//
//   - Path: Directory for on-disk data. Required unless InMemory.
//   - InMemory: Keep everything in RAM (tests, ephemeral deployments).
//   - SyncWrites: fsync each commit.
//   - GCInterval: How often to run value-log GC. Zero disables it.
//   - GCDiscardRatio: Passed to RunValueLogGC.
//   - Logger: Receives BadgerDB's own logs. Nil silences them.
type BadgerConfig struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

// DefaultBadgerConfig returns durable settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for a throwaway in-memory store.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Store
// =============================================================================

// BadgerStore keeps messages in an embedded BadgerDB.
//
// # Description
//
// Key layout, with the chat ID path-escaped:
//
//	chat/<chatId>/owner                 -> user ID
//	chat/<chatId>/msg/<seq>-<messageId> -> JSON PersistedMessage
//
// seq comes from a Badger sequence and is zero-padded, so prefix iteration
// returns messages in append order even within one clock tick.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent appends to the same new chat are
// serialized by Badger's transaction conflict detection and retried.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	gc     *gcRunner
	logger *slog.Logger
	now    func() time.Time
}

// OpenBadgerStore opens or creates the database described by cfg.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	seq, err := db.GetSequence([]byte("meta/message-seq"), 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lease message sequence: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{db: db, seq: seq, logger: logger, now: time.Now}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}
	return s, nil
}

func (s *BadgerStore) Append(ctx context.Context, caller Caller, chatID string, msg datatypes.PersistedMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := prepare(caller, chatID, msg, s.now)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	n, err := s.seq.Next()
	if err != nil {
		return "", fmt.Errorf("next message sequence: %w", err)
	}
	ownerKey := []byte(chatPrefix(chatID) + "owner")
	msgKey := []byte(fmt.Sprintf("%smsg/%020d-%s", chatPrefix(chatID), n, msg.ID))

	write := func(txn *badger.Txn) error {
		item, err := txn.Get(ownerKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := txn.Set(ownerKey, []byte(caller.UserID)); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(owner) != caller.UserID {
				return ErrForbidden
			}
		}
		return txn.Set(msgKey, value)
	}

	for attempt := 0; ; attempt++ {
		err = s.db.Update(write)
		if errors.Is(err, badger.ErrConflict) && attempt < 3 {
			continue
		}
		break
	}
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			return "", err
		}
		return "", fmt.Errorf("badger append: %w", err)
	}
	return msg.ID, nil
}

func (s *BadgerStore) List(ctx context.Context, caller Caller, chatID string) ([]datatypes.PersistedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkRead(caller, chatID); err != nil {
		return nil, err
	}

	out := []datatypes.PersistedMessage{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(chatPrefix(chatID) + "owner"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(owner) != caller.UserID {
			return ErrForbidden
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chatPrefix(chatID) + "msg/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg datatypes.PersistedMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			return nil, err
		}
		return nil, fmt.Errorf("badger list: %w", err)
	}
	return out, nil
}

// Close stops GC, returns the unused sequence lease and closes the
// database.
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release message sequence", "error", err)
	}
	return s.db.Close()
}

func chatPrefix(chatID string) string {
	return "chat/" + url.PathEscape(chatID) + "/"
}

// =============================================================================
// Value Log GC
// =============================================================================

type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

var _ MessageStore = (*BadgerStore)(nil)
