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
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// DefaultMessageClass is the Weaviate class holding chat messages.
const DefaultMessageClass = "ChatMessage"

var weaviateTracer = otel.Tracer("aleutian.relay.store.weaviate")

// WeaviateConfig configures the Weaviate-backed store.
type WeaviateConfig struct {
	URL       string
	APIKey    string
	ClassName string
	ListLimit int
	Logger    *slog.Logger
}

// WeaviateStore keeps messages as objects of one Weaviate class.
//
// # Description
//
// Each message is an object with chat_id, user_id, role, content,
// attachments and a millisecond timestamp. The object's UUID is the
// message ID. Listing sorts by timestamp.
//
// # Limitations
//
//   - List returns at most ListLimit messages.
//   - The owner check on Append is a read followed by a write, so two
//     users racing to create the same chat ID can both succeed.
type WeaviateStore struct {
	client    *weaviate.Client
	className string
	listLimit int
	logger    *slog.Logger
	now       func() time.Time
}

// NewWeaviateStore connects to Weaviate and ensures the message class
// exists.
func NewWeaviateStore(ctx context.Context, cfg WeaviateConfig) (*WeaviateStore, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", cfg.URL)
	}

	clientConf := weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	}
	if cfg.APIKey != "" {
		clientConf.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}

	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	s := &WeaviateStore{
		client:    client,
		className: cfg.ClassName,
		listLimit: cfg.ListLimit,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if s.className == "" {
		s.className = DefaultMessageClass
	}
	if s.listLimit <= 0 {
		s.listLimit = 1000
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("Weaviate message store initialized", "url", cfg.URL, "class", s.className)
	return s, nil
}

// MessageClassSchema returns the class definition for chat messages.
func MessageClassSchema(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       className,
		Description: "A single chat message persisted by the relay.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "chat_id",
				DataType:        []string{"text"},
				Description:     "The conversation this message belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "user_id",
				DataType:        []string{"text"},
				Description:     "The user who owns the conversation.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "role",
				DataType:     []string{"text"},
				Description:  "system, user or assistant.",
				Tokenization: "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The flattened message text.",
				Tokenization: "word",
			},
			{
				Name:        "attachments",
				DataType:    []string{"text[]"},
				Description: "Attachment object paths.",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the message was stored.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func (s *WeaviateStore) ensureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(s.className).Do(ctx)
	if err == nil {
		return nil
	}
	s.logger.Info("Schema not found, creating it", "class", s.className)
	if err := s.client.Schema().ClassCreator().WithClass(MessageClassSchema(s.className)).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", s.className, err)
	}
	return nil
}

func (s *WeaviateStore) Append(ctx context.Context, caller Caller, chatID string, msg datatypes.PersistedMessage) (string, error) {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateStore.Append")
	defer span.End()

	msg, err := prepare(caller, chatID, msg, s.now)
	if err != nil {
		return "", err
	}
	if !strfmt.IsUUID(msg.ID) {
		return "", fmt.Errorf("message id %q is not a UUID", msg.ID)
	}

	owner, err := s.chatOwner(ctx, chatID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if owner != "" && owner != caller.UserID {
		return "", ErrForbidden
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	props := map[string]interface{}{
		"chat_id":     msg.ChatID,
		"user_id":     msg.UserID,
		"role":        string(msg.Role),
		"content":     msg.Content,
		"attachments": attachments,
		"timestamp":   msg.Timestamp.UnixMilli(),
	}

	result, err := s.client.Data().Creator().
		WithClassName(s.className).
		WithID(msg.ID).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to save message to Weaviate: %w", err)
	}
	if result == nil || result.Object == nil {
		return "", fmt.Errorf("weaviate created a message but returned a nil result")
	}
	return result.Object.ID.String(), nil
}

func (s *WeaviateStore) List(ctx context.Context, caller Caller, chatID string) ([]datatypes.PersistedMessage, error) {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateStore.List")
	defer span.End()

	if err := checkRead(caller, chatID); err != nil {
		return nil, err
	}

	objects, err := s.query(ctx, chatID, s.listLimit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]datatypes.PersistedMessage, 0, len(objects))
	for _, o := range objects {
		if o.UserID != caller.UserID {
			return nil, ErrForbidden
		}
		id := o.Additional.ID
		if !strfmt.IsUUID(id) {
			s.logger.Warn("Skipping message with malformed id", "id", id, "chatId", chatID)
			continue
		}
		out = append(out, datatypes.PersistedMessage{
			ID:          id,
			ChatID:      o.ChatID,
			UserID:      o.UserID,
			Role:        datatypes.Role(o.Role),
			Content:     o.Content,
			Attachments: o.Attachments,
			Timestamp:   time.UnixMilli(int64(o.Timestamp)).UTC(),
		})
	}
	return out, nil
}

// Close is a no-op; the Weaviate client holds no resources that need
// releasing.
func (s *WeaviateStore) Close() error {
	return nil
}

func (s *WeaviateStore) chatOwner(ctx context.Context, chatID string) (string, error) {
	objects, err := s.query(ctx, chatID, 1)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", nil
	}
	return objects[0].UserID, nil
}

type messageObject struct {
	ChatID      string   `json:"chat_id"`
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
	Timestamp   float64  `json:"timestamp"`
	Additional  struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

func (s *WeaviateStore) query(ctx context.Context, chatID string, limit int) ([]messageObject, error) {
	where := filters.Where().
		WithPath([]string{"chat_id"}).
		WithOperator(filters.Equal).
		WithValueString(chatID)

	fields := []graphql.Field{
		{Name: "chat_id"},
		{Name: "user_id"},
		{Name: "role"},
		{Name: "content"},
		{Name: "attachments"},
		{Name: "timestamp"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithWhere(where).
		WithFields(fields...).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Asc}).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed struct {
		Get map[string][]messageObject `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GraphQL response: %w", err)
	}
	return parsed.Get[s.className], nil
}

var _ MessageStore = (*WeaviateStore)(nil)
