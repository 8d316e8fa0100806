// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// StreamRequest is everything needed to open one upstream completion.
type StreamRequest struct {
	Model        string
	SystemPrompt string
	Turns        []datatypes.Turn
	Params       datatypes.GenerationParams
}

// StreamClient opens streaming chat completions.
type StreamClient interface {
	// OpenStream sends the request and returns once the first body byte
	// has arrived. Errors are *datatypes.UpstreamError, or the context
	// error when ctx was cancelled by the caller.
	OpenStream(ctx context.Context, req StreamRequest) (*Stream, error)
}

// Stream is an open upstream SSE body.
//
// Read returns raw bytes as the provider sends them; framing is left to
// the caller. Close cancels the request and releases the connection.
type Stream struct {
	Model string

	reader    *bufio.Reader
	body      io.Closer
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an already-open body. Used by StreamClient
// implementations and by tests that feed canned bytes.
func NewStream(model string, body io.ReadCloser, cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{
		Model:  model,
		reader: bufio.NewReaderSize(body, 32*1024),
		body:   body,
		cancel: cancel,
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

var _ io.ReadCloser = (*Stream)(nil)
