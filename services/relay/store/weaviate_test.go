// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Fake Weaviate
// =============================================================================

// fakeWeaviate answers the REST and GraphQL calls WeaviateStore makes:
// schema get/create, object create, and a GraphQL Get filtered on chat_id.
type fakeWeaviate struct {
	srv *httptest.Server

	mu            sync.Mutex
	classExists   bool
	schemaCreates int
	objects       []map[string]any
	graphqlError  string
}

var chatIDFilter = regexp.MustCompile(`value\w*:\s*"([^"]*)"`)

func newFakeWeaviate(t *testing.T, classExists bool) *fakeWeaviate {
	t.Helper()
	f := &fakeWeaviate{classExists: classExists}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/schema/{class}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.classExists {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": []map[string]string{{"message": "not found"}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"class": r.PathValue("class")})
	})

	mux.HandleFunc("POST /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		var class map[string]any
		_ = json.NewDecoder(r.Body).Decode(&class)
		f.mu.Lock()
		f.classExists = true
		f.schemaCreates++
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, class)
	})

	mux.HandleFunc("POST /v1/objects", func(w http.ResponseWriter, r *http.Request) {
		var obj struct {
			Class      string         `json:"class"`
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
		}
		if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": []map[string]string{{"message": err.Error()}}})
			return
		}
		row := map[string]any{"_additional": map[string]any{"id": obj.ID}}
		for k, v := range obj.Properties {
			row[k] = v
		}
		f.mu.Lock()
		f.objects = append(f.objects, row)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, obj)
	})

	mux.HandleFunc("POST /v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		var q struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&q)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.graphqlError != "" {
			writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]string{{"message": f.graphqlError}}})
			return
		}
		chatID := ""
		if m := chatIDFilter.FindStringSubmatch(q.Query); m != nil {
			chatID = m[1]
		}
		rows := make([]map[string]any, 0)
		for _, o := range f.objects {
			if o["chat_id"] == chatID {
				rows = append(rows, o)
			}
		}
		sort.SliceStable(rows, func(i, j int) bool {
			ti, _ := rows[i]["timestamp"].(float64)
			tj, _ := rows[j]["timestamp"].(float64)
			return ti < tj
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"Get": map[string]any{DefaultMessageClass: rows}},
		})
	})

	// Anything else (meta probes and similar) gets an empty object.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestWeaviateStore(t *testing.T, f *fakeWeaviate) *WeaviateStore {
	t.Helper()
	s, err := NewWeaviateStore(context.Background(), WeaviateConfig{
		URL:    f.srv.URL,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return s
}

// =============================================================================
// WeaviateStore Tests
// =============================================================================

func TestWeaviateStore_CreatesMissingSchema(t *testing.T) {
	f := newFakeWeaviate(t, false)
	newTestWeaviateStore(t, f)
	assert.Equal(t, 1, f.schemaCreates)
}

func TestWeaviateStore_KeepsExistingSchema(t *testing.T) {
	f := newFakeWeaviate(t, true)
	newTestWeaviateStore(t, f)
	assert.Equal(t, 0, f.schemaCreates)
}

func TestWeaviateStore_AppendAndList(t *testing.T) {
	f := newFakeWeaviate(t, true)
	s := newTestWeaviateStore(t, f)
	ctx := context.Background()
	alice := Caller{UserID: "alice"}

	id1, err := s.Append(ctx, alice, "c1", datatypes.PersistedMessage{
		Role:        datatypes.RoleUser,
		Content:     "Hi",
		Attachments: []string{"uploads/alice/1_a.png"},
	})
	require.NoError(t, err)
	id2, err := s.Append(ctx, alice, "c1", datatypes.PersistedMessage{
		Role:    datatypes.RoleAssistant,
		Content: "Hello",
	})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	msgs, err := s.List(ctx, alice, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, []string{"uploads/alice/1_a.png"}, msgs[0].Attachments)
	assert.Equal(t, "c1", msgs[0].ChatID)
	assert.Equal(t, "alice", msgs[0].UserID)

	assert.Equal(t, id2, msgs[1].ID)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Empty(t, msgs[1].Attachments)
}

func TestWeaviateStore_Ownership(t *testing.T) {
	f := newFakeWeaviate(t, true)
	s := newTestWeaviateStore(t, f)
	ctx := context.Background()

	_, err := s.Append(ctx, Caller{UserID: "alice"}, "c1", datatypes.PersistedMessage{
		Role: datatypes.RoleUser, Content: "mine",
	})
	require.NoError(t, err)

	_, err = s.Append(ctx, Caller{UserID: "bob"}, "c1", datatypes.PersistedMessage{
		Role: datatypes.RoleUser, Content: "intrude",
	})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.List(ctx, Caller{UserID: "bob"}, "c1")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.Append(ctx, Caller{UserID: "bob"}, "c2", datatypes.PersistedMessage{
		Role: datatypes.RoleUser, Content: "own chat",
	})
	assert.NoError(t, err)

	msgs, err := s.List(ctx, Caller{UserID: "bob"}, "unknown")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWeaviateStore_Errors(t *testing.T) {
	f := newFakeWeaviate(t, true)
	s := newTestWeaviateStore(t, f)
	ctx := context.Background()

	_, err := s.Append(ctx, Caller{}, "c1", datatypes.PersistedMessage{Content: "x"})
	assert.ErrorIs(t, err, ErrNoCaller)
	_, err = s.List(ctx, Caller{UserID: "alice"}, "")
	assert.ErrorIs(t, err, ErrNoChatID)

	f.mu.Lock()
	f.graphqlError = "class not indexed"
	f.mu.Unlock()
	_, err = s.List(ctx, Caller{UserID: "alice"}, "c1")
	assert.ErrorContains(t, err, "class not indexed")
}
