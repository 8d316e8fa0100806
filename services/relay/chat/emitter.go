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
	"errors"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/streaming"
)

// Emitter is the client side of a relayed stream.
//
// # Description
//
// The Relay calls Start exactly once, after the upstream stream is open and
// before the first fragment. Everything before Start may still become a
// plain error response. After Start, the stream ends with exactly one of
// Done or Error.
//
// # Thread Safety
//
// The Relay calls an Emitter from one goroutine. Implementations that also
// write from elsewhere (heartbeats) must serialize internally.
type Emitter interface {
	// Start commits to a streaming response.
	Start() error

	// Content sends one fragment.
	Content(fragment string) error

	// Done sends the terminal sentinel.
	Done() error

	// Error sends an in-band error frame. No sentinel follows.
	Error(message, details string) error
}

// PublicDetails returns the part of err that may be shown to a client.
// Provider messages pass through; internal errors are reduced to a fixed
// phrase.
func PublicDetails(err error) string {
	var upErr *datatypes.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Message
	}
	var streamErr *datatypes.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Error()
	}
	var remote *streaming.RemoteError
	if errors.As(err, &remote) {
		return remote.Error()
	}
	return "internal error"
}
