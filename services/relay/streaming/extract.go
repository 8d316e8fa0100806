// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Extractor decodes one SSE data payload into a content fragment.
//
// An empty string with a nil error means the event carries no content
// (role-only delta, usage event). A non-nil error that is not a
// *RemoteError means the payload was malformed and recovery should run.
type Extractor func(payload []byte) (string, error)

// RemoteError is an error event reported by the remote end of the stream.
// The parser does not attempt recovery on it.
type RemoteError struct {
	Message string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Details)
}

// UpstreamExtractor reads choices[0].delta.content from an OpenAI-compatible
// chat completion chunk.
func UpstreamExtractor(payload []byte) (string, error) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

type relayFrame struct {
	Content *string `json:"content"`
	Error   string  `json:"error"`
	Details string  `json:"details"`
}

// FrameExtractor reads the relay's own client frames: {"content":"..."}
// for fragments and {"error":"...","details":"..."} for failures.
func FrameExtractor(payload []byte) (string, error) {
	var frame relayFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return "", err
	}
	if frame.Error != "" {
		return "", &RemoteError{Message: frame.Error, Details: frame.Details}
	}
	if frame.Content == nil {
		return "", nil
	}
	return *frame.Content, nil
}
