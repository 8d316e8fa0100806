// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func deltaLine(content string) string {
	return fmt.Sprintf("data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
}

func newTestParser(t *testing.T) (*Parser, TokenAccumulator) {
	t.Helper()
	acc, err := NewTokenAccumulator(AccumulatorOptions{Mode: MemoryOff})
	require.NoError(t, err)
	t.Cleanup(acc.Destroy)
	return NewParser(UpstreamExtractor, WithAccumulator(acc)), acc
}

// feedAll feeds chunks, then flushes, and returns every emitted fragment.
func feedAll(t *testing.T, p *Parser, chunks ...[]byte) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		frags, err := p.Feed(c)
		require.NoError(t, err)
		out = append(out, frags...)
	}
	frags, err := p.Flush()
	require.NoError(t, err)
	return append(out, frags...)
}

func finalize(t *testing.T, acc TokenAccumulator) string {
	t.Helper()
	text, _, err := acc.Finalize()
	require.NoError(t, err)
	return text
}

// referenceStream mixes ASCII, multi-byte runes, escapes, a role-only delta
// and a comment so byte splits land inside every kind of token.
func referenceStream() (string, []string) {
	fragments := []string{"Hel", "lo, ", "wörld ", "🌍", " \"quoted\"\n", "tab\there"}
	var b strings.Builder
	b.WriteString(": keep-alive\n\n")
	b.WriteString("data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
	for _, f := range fragments {
		b.WriteString(deltaLine(f))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String(), fragments
}

// =============================================================================
// Round Trip
// =============================================================================

func TestParser_RoundTrip(t *testing.T) {
	stream, want := referenceStream()
	p, acc := newTestParser(t)

	got := feedAll(t, p, []byte(stream))

	assert.Equal(t, want, got)
	assert.Equal(t, strings.Join(want, ""), finalize(t, acc))
	assert.True(t, p.Done())
}

func TestParser_ScenarioA(t *testing.T) {
	p, acc := newTestParser(t)

	got := feedAll(t, p,
		[]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n"),
		[]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n"),
		[]byte("data: [DONE]\n"),
	)

	assert.Equal(t, []string{"Hel", "lo"}, got)
	assert.Equal(t, "Hello", finalize(t, acc))
}

// =============================================================================
// Chunk Boundaries
// =============================================================================

func TestParser_ChunkBoundaryIndependence_EverySplit(t *testing.T) {
	stream, want := referenceStream()
	raw := []byte(stream)

	for split := 1; split < len(raw); split++ {
		p, acc := newTestParser(t)
		got := feedAll(t, p, raw[:split], raw[split:])

		require.Equal(t, want, got, "split at byte %d", split)
		require.Equal(t, strings.Join(want, ""), finalize(t, acc), "split at byte %d", split)
	}
}

func TestParser_ChunkBoundaryIndependence_ByteAtATime(t *testing.T) {
	stream, want := referenceStream()
	raw := []byte(stream)

	chunks := make([][]byte, len(raw))
	for i := range raw {
		chunks[i] = raw[i : i+1]
	}

	p, acc := newTestParser(t)
	got := feedAll(t, p, chunks...)

	assert.Equal(t, want, got)
	assert.Equal(t, strings.Join(want, ""), finalize(t, acc))
}

func TestParser_CRLFLineEndings(t *testing.T) {
	p, acc := newTestParser(t)

	got := feedAll(t, p, []byte(
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\r\n\r\n"+
			"data:{\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\r\n\r\n"+
			"data: [DONE]\r\n\r\n"))

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, "ab", finalize(t, acc))
}

// =============================================================================
// Malformed Input
// =============================================================================

func TestParser_MalformedLineBetweenGoodOnes(t *testing.T) {
	p, acc := newTestParser(t)

	got := feedAll(t, p, []byte(
		deltaLine("first")+
			"data: {not json at all\n\n"+
			deltaLine("second")+
			"data: [DONE]\n\n"))

	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, "firstsecond", finalize(t, acc))
	assert.Equal(t, 1, p.Stats().Dropped)
}

func TestParser_RecoversContentFromBrokenJSON(t *testing.T) {
	p, acc := newTestParser(t)

	got := feedAll(t, p, []byte(
		deltaLine("one ")+
			"data: {\"choices\":[{\"delta\":{\"content\":\"two\"}}],,}\n\n"+
			deltaLine(" three")))

	assert.Equal(t, []string{"one ", "two", " three"}, got)
	assert.Equal(t, "one two three", finalize(t, acc))
	assert.Equal(t, 1, p.Stats().Recovered)
}

func TestParser_ScenarioD_TruncatedThenDone(t *testing.T) {
	p, acc := newTestParser(t)

	got := feedAll(t, p, []byte(
		"data: {\"choices\":[{\"delta\":{\"content\":\"wor\n"+
			"data: [DONE]\n"))

	assert.Equal(t, []string{"wor"}, got)
	assert.Equal(t, "wor", finalize(t, acc))
	assert.True(t, p.Done())
}

func TestParser_EmptyChoicesAndRoleOnlyDeltas(t *testing.T) {
	p, acc := newTestParser(t)

	got := feedAll(t, p, []byte(
		"data: {\"choices\":[],\"prompt_filter_results\":[]}\n\n"+
			"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n"+
			"event: message\nid: 7\nretry: 100\n\n"+
			deltaLine("x")))

	assert.Equal(t, []string{"x"}, got)
	assert.Equal(t, "x", finalize(t, acc))
}

// =============================================================================
// Terminal Sentinel
// =============================================================================

func TestParser_SentinelIdempotence(t *testing.T) {
	p, acc := newTestParser(t)

	first, err := p.Feed([]byte(deltaLine("only") + "data: [DONE]\n" + deltaLine("late")))
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, first)

	more, err := p.Feed([]byte(deltaLine("later") + "data: {broken\n" + "data: [DONE]\n"))
	require.NoError(t, err)
	assert.Empty(t, more)

	flushed, err := p.Flush()
	require.NoError(t, err)
	assert.Empty(t, flushed)

	assert.True(t, p.Done())
	assert.Equal(t, "only", finalize(t, acc))
	assert.Positive(t, p.Stats().Drained)
}

// =============================================================================
// Flush
// =============================================================================

func TestParser_FlushProcessesUnterminatedLine(t *testing.T) {
	p, acc := newTestParser(t)

	frags, err := p.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}"))
	require.NoError(t, err)
	assert.Empty(t, frags)

	flushed, err := p.Flush()
	require.NoError(t, err)
	assert.Equal(t, []string{"tail"}, flushed)
	assert.Equal(t, "tail", finalize(t, acc))
}

func TestParser_FlushOnEmptyPendingIsNoop(t *testing.T) {
	p, _ := newTestParser(t)

	flushed, err := p.Flush()
	require.NoError(t, err)
	assert.Empty(t, flushed)
}

// =============================================================================
// Limits
// =============================================================================

func TestParser_DiscardsOversizedLine(t *testing.T) {
	acc, err := NewTokenAccumulator(AccumulatorOptions{Mode: MemoryOff})
	require.NoError(t, err)
	defer acc.Destroy()
	p := NewParser(UpstreamExtractor, WithAccumulator(acc), WithMaxLineBytes(64))

	frags, err := p.Feed([]byte("data: " + strings.Repeat("x", 100)))
	require.NoError(t, err)
	assert.Empty(t, frags)
	assert.Equal(t, 1, p.Stats().Oversized)

	got := feedAll(t, p, []byte("\n"+deltaLine("ok")))
	assert.Equal(t, []string{"ok"}, got)
}

func TestParser_AccumulatorFullStopsEmission(t *testing.T) {
	acc, err := NewTokenAccumulator(AccumulatorOptions{Mode: MemoryOff, MaxBytes: 4})
	require.NoError(t, err)
	defer acc.Destroy()
	p := NewParser(UpstreamExtractor, WithAccumulator(acc))

	frags, err := p.Feed([]byte(deltaLine("abc") + deltaLine("def")))

	assert.ErrorIs(t, err, ErrAccumulatorFull)
	assert.Equal(t, []string{"abc"}, frags)
	assert.Equal(t, 3, acc.Len())
}

// =============================================================================
// Frame Extractor
// =============================================================================

func TestParser_FrameExtractor(t *testing.T) {
	p := NewParser(FrameExtractor)

	frags, err := p.Feed([]byte("data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\n: ping\n\ndata: [DONE]\n\n"))

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, frags)
	assert.True(t, p.Done())
}

func TestParser_FrameExtractorErrorFrame(t *testing.T) {
	p := NewParser(FrameExtractor)

	frags, err := p.Feed([]byte("data: {\"content\":\"partial\"}\n\ndata: {\"error\":\"Failed to process request\",\"details\":\"upstream stream interrupted\"}\n\n"))

	assert.Equal(t, []string{"partial"}, frags)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "Failed to process request", remote.Message)
	assert.Equal(t, "upstream stream interrupted", remote.Details)
}
