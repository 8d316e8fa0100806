// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat runs one streaming chat request from persisted user turn to
// persisted assistant turn.
//
// # Description
//
// Relay.Handle drives the lifecycle
//
//	RECEIVED -> VALIDATED -> USER_MESSAGE_PERSISTED -> UPSTREAM_STREAMING -> COMPLETED | FAILED
//
// It is transport-neutral: fragments leave through an Emitter, which the
// SSE and WebSocket handlers implement.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/attachments"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routing"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/streaming"
)

var tracer = otel.Tracer("aleutian.relay.chat")

// ErrClientDisconnected is returned by Handle when the client went away.
// Nothing is persisted for the assistant turn in that case.
var ErrClientDisconnected = fmt.Errorf("client disconnected: %w", context.Canceled)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes a Relay. Zero values take the defaults below.
type Config struct {
	// MaxResponseBytes caps the accumulated assistant text. Default 1 MiB.
	MaxResponseBytes int

	// MemoryMode selects locked or plain accumulator memory.
	MemoryMode streaming.MemoryMode

	// PersistTimeout bounds each message store append. Default 10s.
	PersistTimeout time.Duration

	// ReadBufferBytes is the upstream read size. Default 4 KiB.
	ReadBufferBytes int

	// MaxLineBytes bounds a single SSE line. Default 1 MiB.
	MaxLineBytes int
}

// DefaultPersistTimeout bounds a message store append.
const DefaultPersistTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = streaming.DefaultMaxResponseBytes
	}
	if c.MemoryMode == "" {
		c.MemoryMode = streaming.MemoryAuto
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = 4096
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = streaming.DefaultMaxLineBytes
	}
	return c
}

// Deps are the collaborators of a Relay. Store, Upstream and Selector are
// required.
type Deps struct {
	Store       store.MessageStore
	Upstream    llm.StreamClient
	Selector    routing.Selector
	Resolver    attachments.Resolver
	Metrics     *observability.RelayMetrics
	Instruments *observability.Instruments
	Logger      *slog.Logger
}

// =============================================================================
// Relay
// =============================================================================

// Relay orchestrates streaming chat requests.
//
// # Thread Safety
//
// Safe for concurrent use. Each Handle call owns its own parser,
// accumulator and finalizer.
type Relay struct {
	store       store.MessageStore
	upstream    llm.StreamClient
	selector    routing.Selector
	resolver    attachments.Resolver
	metrics     *observability.RelayMetrics
	instruments *observability.Instruments
	logger      *slog.Logger
	cfg         Config
}

// NewRelay wires a Relay. It panics on a missing required dependency,
// which is a programming error.
func NewRelay(deps Deps, cfg Config) *Relay {
	if deps.Store == nil || deps.Upstream == nil || deps.Selector == nil {
		panic("chat.NewRelay: Store, Upstream and Selector are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Relay{
		store:       deps.Store,
		upstream:    deps.Upstream,
		selector:    deps.Selector,
		resolver:    deps.Resolver,
		metrics:     deps.Metrics,
		instruments: deps.Instruments,
		logger:      deps.Logger,
		cfg:         cfg.withDefaults(),
	}
}

// Handle relays one validated request to em.
//
// # Description
//
//  1. Persists the last user turn (failures are logged, not fatal).
//  2. Selects the model and resolves image attachments.
//  3. Opens the upstream stream. A failure here returns before em.Start,
//     so the caller can still answer with a plain error response.
//  4. Starts the client stream and forwards fragments in order.
//  5. On success persists the full text and sends the sentinel. On
//     failure sends an error frame and persists a fixed apology.
//
// # Outputs
//
//   - error: nil when the stream completed. ErrClientDisconnected when the
//     client left; nothing further is written or persisted. Otherwise the
//     cause: if em.Start was called, the client has already received an
//     error frame.
func (r *Relay) Handle(ctx context.Context, caller store.Caller, req *datatypes.ValidatedRequest, em Emitter) error {
	requestID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "Relay.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("chat.id", req.ChatID),
		attribute.Int("chat.turns", len(req.Turns)),
	)

	logger := r.logger.With("request_id", requestID, "chat_id", req.ChatID)
	states := newStateTracker(StateValidated, logger, span)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	last := req.LastUserTurn()
	r.persist(ctx, caller, req.ChatID, datatypes.PersistedMessage{
		Role:        datatypes.RoleUser,
		Content:     last.Content.Flatten(),
		Attachments: req.Attachments,
	}, logger)
	states.to(StateUserMessagePersisted)

	model := r.selector.Select(req)
	span.SetAttributes(attribute.String("llm.model", model))
	turns := r.withAttachments(ctx, caller, req, logger)

	acc, err := streaming.NewTokenAccumulator(streaming.AccumulatorOptions{
		MaxBytes: r.cfg.MaxResponseBytes,
		Mode:     r.cfg.MemoryMode,
		Logger:   logger,
	})
	if err != nil {
		states.to(StateFailed)
		return fail(fmt.Errorf("create accumulator: %w", err))
	}
	defer acc.Destroy()

	openStart := time.Now()
	stream, err := r.upstream.OpenStream(ctx, llm.StreamRequest{
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		Turns:        turns,
		Params:       req.Params,
	})
	if err != nil {
		if datatypes.IsClientGone(err) {
			states.abort()
			r.metrics.RecordClientDisconnect()
			return ErrClientDisconnected
		}
		logger.Error("Failed to open upstream stream", "model", model, "error", err)
		states.to(StateFailed)
		return fail(err)
	}
	defer stream.Close()
	if r.instruments != nil {
		r.instruments.UpstreamOpenDuration.Record(ctx, time.Since(openStart).Seconds(),
			metric.WithAttributes(attribute.String("model", model)))
	}

	if err := em.Start(); err != nil {
		states.abort()
		r.metrics.RecordClientDisconnect()
		return ErrClientDisconnected
	}
	states.to(StateUpstreamStreaming)

	streamStart := time.Now()
	status := observability.StatusAborted
	r.metrics.StreamStarted()
	defer func() { r.metrics.StreamEnded(status, time.Since(streamStart).Seconds()) }()

	parser := streaming.NewParser(streaming.UpstreamExtractor,
		streaming.WithAccumulator(acc),
		streaming.WithLogger(logger),
		streaming.WithMaxLineBytes(r.cfg.MaxLineBytes),
	)
	fin := &finalizer{
		store:   r.store,
		metrics: r.metrics,
		timeout: r.cfg.PersistTimeout,
		caller:  caller,
		chatID:  req.ChatID,
		em:      em,
		logger:  logger,
	}

	pumpErr := r.pump(ctx, stream, parser, em, streamStart)
	stats := parser.Stats()
	for i := 0; i < stats.Recovered; i++ {
		r.metrics.RecordMalformed(true)
	}
	for i := 0; i < stats.Dropped; i++ {
		r.metrics.RecordMalformed(false)
	}
	span.SetAttributes(attribute.Int("stream.fragments", stats.Fragments))

	var text, digest string
	if pumpErr == nil {
		text, digest, pumpErr = acc.Finalize()
	}

	switch {
	case pumpErr == nil:
		states.to(StateCompleted)
		logger.Debug("Stream completed",
			"fragments", stats.Fragments,
			"bytes", len(text),
			"sha256", digest)
		if r.instruments != nil {
			r.instruments.ResponseBytes.Add(ctx, int64(len(text)))
		}
		if err := fin.Complete(ctx, text); err != nil {
			// Text is persisted; only the sentinel was lost.
			states.abort()
			r.metrics.RecordClientDisconnect()
			return ErrClientDisconnected
		}
		status = observability.StatusCompleted
		return nil

	case datatypes.IsClientGone(pumpErr):
		states.abort()
		r.metrics.RecordClientDisconnect()
		logger.Info("Client disconnected mid-stream", "fragments", stats.Fragments)
		return ErrClientDisconnected

	default:
		states.to(StateFailed)
		logger.Error("Stream failed", "fragments", stats.Fragments, "error", pumpErr)
		status = observability.StatusFailed
		fin.Fail(ctx, pumpErr)
		return fail(pumpErr)
	}
}

// pump reads upstream until the sentinel, EOF, cancellation or a fatal
// error, forwarding every fragment to em as soon as it is parsed.
func (r *Relay) pump(ctx context.Context, stream io.Reader, parser *streaming.Parser, em Emitter, start time.Time) error {
	buf := make([]byte, r.cfg.ReadBufferBytes)
	first := true

	emit := func(frags []string) error {
		for _, f := range frags {
			if first {
				r.metrics.RecordTimeToFirstFragment(time.Since(start).Seconds())
				first = false
			}
			if err := em.Content(f); err != nil {
				return &datatypes.StreamError{Kind: datatypes.StreamClientWrite, Err: err}
			}
			r.metrics.RecordFragment()
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			frags, parseErr := parser.Feed(buf[:n])
			if err := emit(frags); err != nil {
				return err
			}
			if parseErr != nil {
				return parseError(parseErr)
			}
			if parser.Done() {
				return nil
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			frags, parseErr := parser.Flush()
			if err := emit(frags); err != nil {
				return err
			}
			if parseErr != nil {
				return parseError(parseErr)
			}
			return nil
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &datatypes.StreamError{Kind: datatypes.StreamTransport, Err: readErr}
		}
	}
}

func parseError(err error) error {
	if errors.Is(err, streaming.ErrAccumulatorFull) {
		return &datatypes.StreamError{Kind: datatypes.StreamTooLarge, Err: err}
	}
	return err
}

// withAttachments returns the turns to send upstream, with image
// attachments added to the last user turn. Resolution failures leave the
// request text-only.
func (r *Relay) withAttachments(ctx context.Context, caller store.Caller, req *datatypes.ValidatedRequest, logger *slog.Logger) []datatypes.Turn {
	if len(req.Attachments) == 0 || r.resolver == nil {
		return req.Turns
	}
	resolved, err := r.resolver.Resolve(ctx, caller, req.Attachments)
	if err != nil {
		logger.Warn("Attachment resolution failed, continuing without images",
			"count", len(req.Attachments),
			"error", err)
		return req.Turns
	}
	urls := attachments.ImageURLs(resolved)
	if len(urls) == 0 {
		return req.Turns
	}

	turns := slices.Clone(req.Turns)
	last := len(turns) - 1
	turns[last].Content = turns[last].Content.WithImages(urls...)
	return turns
}

// persist appends msg outside the request's cancellation so a late
// disconnect cannot lose a write already under way.
func (r *Relay) persist(ctx context.Context, caller store.Caller, chatID string, msg datatypes.PersistedMessage, logger *slog.Logger) {
	persistMessage(ctx, r.store, r.metrics, r.cfg.PersistTimeout, caller, chatID, msg, logger)
}

func persistMessage(
	ctx context.Context,
	s store.MessageStore,
	metrics *observability.RelayMetrics,
	timeout time.Duration,
	caller store.Caller,
	chatID string,
	msg datatypes.PersistedMessage,
	logger *slog.Logger,
) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	id, err := s.Append(pctx, caller, chatID, msg)
	if err != nil {
		perr := &datatypes.PersistenceError{ChatID: chatID, Role: msg.Role, Err: err}
		logger.Error("Failed to persist message", "role", msg.Role, "error", perr)
		metrics.RecordPersistenceFailure(string(msg.Role))
		return
	}
	logger.Debug("Persisted message", "role", msg.Role, "message_id", id)
}
