// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContent_UnmarshalString(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"hello"`), &c))

	assert.Equal(t, ContentText, c.Kind())
	assert.Equal(t, "hello", c.TextValue())
	assert.Equal(t, "hello", c.Flatten())
}

func TestContent_UnmarshalParts(t *testing.T) {
	raw := `[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://img/a.png"}}]`

	var c Content
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	assert.Equal(t, ContentParts, c.Kind())
	assert.Equal(t, []Part{
		{Kind: PartText, Value: "look"},
		{Kind: PartImage, Value: "https://img/a.png"},
	}, c.PartList())
	assert.Equal(t, "look", c.Flatten())
	assert.Equal(t, []string{"https://img/a.png"}, c.ImageURLs())
}

func TestContent_UnmarshalRejectsUnknownShapes(t *testing.T) {
	tests := []string{
		`42`,
		`{"text":"x"}`,
		`[{"type":"audio"}]`,
		`[{"type":"image_url"}]`,
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			var c Content
			assert.Error(t, json.Unmarshal([]byte(raw), &c))
		})
	}
}

func TestContent_MarshalMatchesInputShape(t *testing.T) {
	text, err := json.Marshal(Text("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(text))

	parts, err := json.Marshal(Parts(
		Part{Kind: PartText, Value: "see"},
		Part{Kind: PartImage, Value: "https://img/b.png"},
	))
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"type":"text","text":"see"},{"type":"image_url","image_url":{"url":"https://img/b.png"}}]`,
		string(parts))
}

func TestContent_WithImages(t *testing.T) {
	c := Text("describe this").WithImages("https://img/1.png", "https://img/2.png")

	assert.Equal(t, ContentParts, c.Kind())
	assert.Equal(t, "describe this", c.Flatten())
	assert.Equal(t, []string{"https://img/1.png", "https://img/2.png"}, c.ImageURLs())

	unchanged := Text("plain").WithImages()
	assert.Equal(t, ContentText, unchanged.Kind())
}

func TestContent_IsEmpty(t *testing.T) {
	assert.True(t, Text("  ").IsEmpty())
	assert.False(t, Text("x").IsEmpty())
	assert.True(t, Parts(Part{Kind: PartText, Value: ""}).IsEmpty())
	assert.False(t, Parts(Part{Kind: PartImage, Value: "u"}).IsEmpty())
}

func TestIsClientGone(t *testing.T) {
	assert.True(t, IsClientGone(context.Canceled))
	assert.True(t, IsClientGone(fmt.Errorf("read: %w", context.Canceled)))
	assert.True(t, IsClientGone(&StreamError{Kind: StreamClientWrite, Err: errors.New("broken pipe")}))
	assert.False(t, IsClientGone(&StreamError{Kind: StreamTransport}))
	assert.False(t, IsClientGone(context.DeadlineExceeded))
}

func TestPersistenceError_Unwrap(t *testing.T) {
	base := errors.New("disk full")
	err := &PersistenceError{ChatID: "c1", Role: RoleAssistant, Err: base}

	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "assistant")
	assert.Contains(t, err.Error(), "c1")
}
