// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming turns raw SSE bytes into ordered content fragments.
//
// # Description
//
// The Parser is fed whatever byte chunks the transport delivers. It holds
// any incomplete trailing line until the next chunk, so a line or a JSON
// object split across TCP reads is parsed exactly as if it had arrived
// whole. Malformed payloads are recovered on a best-effort basis or
// skipped; they never stop the stream.
//
// # Thread Safety
//
// A Parser belongs to one stream and is not safe for concurrent use.
package streaming

import (
	"bytes"
	"errors"
	"log/slog"
)

// DefaultMaxLineBytes bounds how large a single pending line may grow.
const DefaultMaxLineBytes = 1 << 20

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// ParserStats counts what the parser saw. Recovered and Dropped count
// malformed payloads by outcome.
type ParserStats struct {
	Lines     int
	Fragments int
	Recovered int
	Dropped   int
	Oversized int
	Drained   int
}

// Parser is the incremental SSE decoder for a single stream.
type Parser struct {
	extract      Extractor
	acc          TokenAccumulator
	logger       *slog.Logger
	maxLineBytes int

	pending []byte
	done    bool
	stats   ParserStats
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithAccumulator makes the parser write every emitted fragment to acc
// before returning it.
func WithAccumulator(acc TokenAccumulator) ParserOption {
	return func(p *Parser) { p.acc = acc }
}

// WithLogger sets the logger for skipped payloads.
func WithLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) { p.logger = logger }
}

// WithMaxLineBytes caps the pending buffer. A line that outgrows it is
// discarded.
func WithMaxLineBytes(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.maxLineBytes = n
		}
	}
}

// NewParser creates a parser that decodes payloads with extract.
//
// # Examples
//
//	acc, _ := streaming.NewTokenAccumulator(streaming.AccumulatorOptions{})
//	p := streaming.NewParser(streaming.UpstreamExtractor, streaming.WithAccumulator(acc))
//	frags, err := p.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n"))
//	// frags == []string{"Hel"}
func NewParser(extract Extractor, opts ...ParserOption) *Parser {
	p := &Parser{
		extract:      extract,
		logger:       slog.Default(),
		maxLineBytes: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes one chunk and returns the fragments it completed, in order.
//
// # Outputs
//
//   - []string: Fragments emitted by this chunk. Each was already written
//     to the accumulator, if one is attached.
//   - error: ErrAccumulatorFull or a *RemoteError. Fragments returned
//     alongside an error were still accepted and must be forwarded.
func (p *Parser) Feed(chunk []byte) ([]string, error) {
	if p.done {
		p.stats.Drained += len(chunk)
		return nil, nil
	}

	p.pending = append(p.pending, chunk...)

	var out []string
	for !p.done {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			break
		}
		line := p.pending[:idx]
		p.pending = p.pending[idx+1:]

		frag, err := p.handleLine(line)
		if frag != "" {
			out = append(out, frag)
		}
		if err != nil {
			return out, err
		}
	}

	if p.done {
		p.stats.Drained += len(p.pending)
		p.pending = nil
		return out, nil
	}

	if len(p.pending) > p.maxLineBytes {
		p.logger.Warn("Discarding oversized SSE line", "bytes", len(p.pending))
		p.stats.Oversized++
		p.pending = nil
	}
	return out, nil
}

// Flush processes whatever is left in the pending buffer as a final line.
// Call it once the transport reports end of stream.
func (p *Parser) Flush() ([]string, error) {
	if p.done || len(p.pending) == 0 {
		p.pending = nil
		return nil, nil
	}
	line := p.pending
	p.pending = nil

	frag, err := p.handleLine(line)
	if frag == "" {
		return nil, err
	}
	return []string{frag}, err
}

// Done reports whether the terminal sentinel has been seen.
func (p *Parser) Done() bool {
	return p.done
}

// Stats returns a snapshot of the parser counters.
func (p *Parser) Stats() ParserStats {
	return p.stats
}

func (p *Parser) handleLine(line []byte) (string, error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return "", nil
	}
	p.stats.Lines++

	// Comments, event, id and retry fields carry no content.
	if !bytes.HasPrefix(line, dataPrefix) {
		return "", nil
	}
	payload := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))

	if bytes.Equal(bytes.TrimSpace(payload), doneSentinel) {
		p.done = true
		return "", nil
	}

	content, err := p.extract(payload)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return "", remote
		}
		recovered, ok := RecoverContent(payload)
		if !ok {
			p.stats.Dropped++
			p.logger.Debug("Skipping malformed SSE payload",
				"error", err,
				"payload_bytes", len(payload),
			)
			return "", nil
		}
		p.stats.Recovered++
		content = recovered
	}

	if content == "" {
		return "", nil
	}
	return p.accept(content)
}

func (p *Parser) accept(content string) (string, error) {
	if p.acc != nil {
		if err := p.acc.Write(content); err != nil {
			return "", err
		}
	}
	p.stats.Fragments++
	return content, nil
}
