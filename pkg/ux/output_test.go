// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectMode_NonTerminal(t *testing.T) {
	assert.Equal(t, ModeMachine, DetectMode(&bytes.Buffer{}))
}

func TestPrinter_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("ignored")
	p.Muted("ignored")
	p.Fragment("Hel")
	p.Fragment("lo\n")
	p.Success("done")
	p.Warning("slow")
	p.Error("boom")
	p.Box("Chat", "c1")

	assert.Equal(t, "Hello\nOK: done\nWARN: slow\nERROR: boom\nChat: c1\n", buf.String())
	assert.Equal(t, ModeMachine, p.Mode())
}

func TestPrinter_RichModeWithoutColorProfile(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	p.Title("Relay")
	p.Error("boom")

	out := buf.String()
	assert.Contains(t, out, "Relay\n")
	assert.Contains(t, out, string(IconError)+" boom\n")
	assert.NotContains(t, out, "\x1b[", "a buffer has no color profile")
}

func TestPrinter_RichBox(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModeRich).Box("Chat", "c1")
	assert.Contains(t, buf.String(), "╭")
	assert.Contains(t, buf.String(), "Chat")
}
