// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the request, message and frame types shared by
// the relay's handlers, orchestrator, upstream client and message stores.
package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Roles and Defaults
// =============================================================================

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// DefaultModel is used when neither the request nor the model selector
	// names one.
	DefaultModel = "DeepSeek-V3"

	DefaultTemperature float32 = 0.7
	DefaultMaxTokens           = 2048
	DefaultTopP        float32 = 0.95

	// DefaultSystemPrompt is prepended when the caller supplies none.
	DefaultSystemPrompt = "You are an AI assistant specialized in code generation and problem-solving. Provide clear, concise, and efficient solutions."

	// FallbackMessage is persisted as the assistant turn when a stream fails
	// after it has started, so history shows the failure instead of a gap.
	FallbackMessage = "I'm sorry, I encountered an error while processing your request. Please try again later."

	// PublicErrorMessage is the "error" field of every 500-class response.
	PublicErrorMessage = "Failed to process request"
)

// =============================================================================
// Content
// =============================================================================

// ContentKind tags which variant a Content holds.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentParts
)

// PartKind tags a single multimodal part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one element of a multimodal message. For PartImage, Value is the
// image URL; for PartText it is the text itself.
type Part struct {
	Kind  PartKind
	Value string
}

// Content is either plain text or an ordered list of text/image parts.
//
// # Description
//
// The zero value is empty text. Consumers switch on Kind() and handle both
// variants; there is no third shape.
//
// # JSON
//
// Decodes from either a JSON string or an array of OpenAI-style parts:
//
//	"hello"
//	[{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"https://..."}}]
//
// Encodes back to the same shapes.
type Content struct {
	kind  ContentKind
	text  string
	parts []Part
}

// Text builds a text Content.
func Text(s string) Content {
	return Content{kind: ContentText, text: s}
}

// Parts builds a multimodal Content. The slice is copied.
func Parts(parts ...Part) Content {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return Content{kind: ContentParts, parts: cp}
}

// Kind reports the variant.
func (c Content) Kind() ContentKind { return c.kind }

// TextValue returns the text of a ContentText value and "" otherwise.
func (c Content) TextValue() string { return c.text }

// PartList returns a copy of the parts of a ContentParts value.
func (c Content) PartList() []Part {
	cp := make([]Part, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// Flatten renders the content as plain text. Image parts are dropped; text
// parts are joined with newlines.
func (c Content) Flatten() string {
	switch c.kind {
	case ContentText:
		return c.text
	case ContentParts:
		var texts []string
		for _, p := range c.parts {
			if p.Kind == PartText {
				texts = append(texts, p.Value)
			}
		}
		return strings.Join(texts, "\n")
	default:
		return ""
	}
}

// ImageURLs returns the URLs of all image parts.
func (c Content) ImageURLs() []string {
	var urls []string
	for _, p := range c.parts {
		if p.Kind == PartImage {
			urls = append(urls, p.Value)
		}
	}
	return urls
}

// IsEmpty reports whether the content carries neither text nor images.
func (c Content) IsEmpty() bool {
	switch c.kind {
	case ContentText:
		return strings.TrimSpace(c.text) == ""
	case ContentParts:
		for _, p := range c.parts {
			if p.Kind == PartImage || strings.TrimSpace(p.Value) != "" {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// WithImages returns a ContentParts value with the given image URLs appended.
// Text content becomes a leading text part.
func (c Content) WithImages(urls ...string) Content {
	if len(urls) == 0 {
		return c
	}
	var parts []Part
	switch c.kind {
	case ContentText:
		if c.text != "" {
			parts = append(parts, Part{Kind: PartText, Value: c.text})
		}
	case ContentParts:
		parts = append(parts, c.parts...)
	}
	for _, u := range urls {
		parts = append(parts, Part{Kind: PartImage, Value: u})
	}
	return Parts(parts...)
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case ContentText:
		return json.Marshal(c.text)
	case ContentParts:
		wire := make([]wirePart, 0, len(c.parts))
		for _, p := range c.parts {
			switch p.Kind {
			case PartText:
				wire = append(wire, wirePart{Type: "text", Text: p.Value})
			case PartImage:
				wire = append(wire, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.Value}})
			default:
				return nil, fmt.Errorf("unknown part kind %q", p.Kind)
			}
		}
		return json.Marshal(wire)
	default:
		return nil, fmt.Errorf("unknown content kind %d", c.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Text("")
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	case '[':
		var wire []wirePart
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return err
		}
		parts := make([]Part, 0, len(wire))
		for i, w := range wire {
			switch w.Type {
			case "text":
				parts = append(parts, Part{Kind: PartText, Value: w.Text})
			case "image_url", "image":
				if w.ImageURL == nil || w.ImageURL.URL == "" {
					return fmt.Errorf("content part %d: image part without url", i)
				}
				parts = append(parts, Part{Kind: PartImage, Value: w.ImageURL.URL})
			default:
				return fmt.Errorf("content part %d: unsupported type %q", i, w.Type)
			}
		}
		*c = Parts(parts...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// =============================================================================
// Requests
// =============================================================================

// Turn is one message of the conversation sent upstream.
type Turn struct {
	Role    Role    `json:"role" validate:"required,oneof=system user assistant"`
	Content Content `json:"content"`
}

// ChatRequest is the raw inbound body of a streaming chat call.
//
// Pointer fields distinguish an absent value from its zero value.
type ChatRequest struct {
	ChatID       string   `json:"chatId" validate:"required"`
	UserID       string   `json:"userId" validate:"required"`
	Message      *string  `json:"message,omitempty"`
	Messages     []Turn   `json:"messages,omitempty" validate:"omitempty,dive"`
	SystemPrompt string   `json:"systemPrompt,omitempty" validate:"max=32768"`
	Model        string   `json:"model,omitempty" validate:"max=128"`
	Temperature  *float32 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    *int     `json:"maxTokens,omitempty" validate:"omitempty,gte=1,lte=131072"`
	TopP         *float32 `json:"topP,omitempty" validate:"omitempty,gte=0,lte=1"`
	Attachments  []string `json:"attachments,omitempty" validate:"omitempty,max=10,dive,required,max=1024"`
}

// GenerationParams holds sampling parameters. Nil fields fall back to the
// configured defaults.
type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
	TopP        *float32
}

// WithDefaults returns a copy where every nil field is taken from d.
func (p GenerationParams) WithDefaults(d GenerationParams) GenerationParams {
	out := p
	if out.Temperature == nil {
		out.Temperature = d.Temperature
	}
	if out.MaxTokens == nil {
		out.MaxTokens = d.MaxTokens
	}
	if out.TopP == nil {
		out.TopP = d.TopP
	}
	return out
}

// DefaultGenerationParams returns the built-in sampling defaults.
func DefaultGenerationParams() GenerationParams {
	temp := DefaultTemperature
	maxTokens := DefaultMaxTokens
	topP := DefaultTopP
	return GenerationParams{Temperature: &temp, MaxTokens: &maxTokens, TopP: &topP}
}

// ValidatedRequest is a ChatRequest after validation and normalization.
//
// Turns is non-empty and its last element has RoleUser.
type ValidatedRequest struct {
	ChatID       string
	UserID       string
	Turns        []Turn
	SystemPrompt string
	Model        string
	Params       GenerationParams
	Attachments  []string
}

// LastUserTurn returns the final turn, which validation guarantees is a
// user turn.
func (r *ValidatedRequest) LastUserTurn() Turn {
	return r.Turns[len(r.Turns)-1]
}

// =============================================================================
// Persistence
// =============================================================================

// PersistedMessage is what the message store records for one turn.
type PersistedMessage struct {
	ID          string    `json:"id,omitempty"`
	ChatID      string    `json:"chatId"`
	UserID      string    `json:"userId"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// =============================================================================
// Client Frames
// =============================================================================

// DoneSentinel terminates both the upstream and the client stream.
const DoneSentinel = "[DONE]"

// ContentFrame is the JSON payload of one fragment sent to the client.
type ContentFrame struct {
	Content string `json:"content"`
}

// ErrorFrame is the JSON payload of an error, either as a 500 body or as an
// in-band SSE frame.
type ErrorFrame struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
