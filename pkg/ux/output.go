// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the relay CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Mode selects how a Printer decorates output.
type Mode int

const (
	// ModeRich styles output with colors and icons.
	ModeRich Mode = iota
	// ModeMachine prints plain "OK:"/"ERROR:" prefixed lines, for pipes
	// and scripts.
	ModeMachine
)

// DetectMode returns ModeRich when w is a terminal.
func DetectMode(w io.Writer) Mode {
	if f, ok := w.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return ModeRich
		}
	}
	return ModeMachine
}

type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
}

// Printer writes styled CLI output to one writer.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	out    io.Writer
	mode   Mode
	styles styles
}

// NewPrinter creates a Printer for out. Colors follow the color profile of
// out, so a redirected stream gets none.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:  out,
		mode: mode,
		styles: styles{
			title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
			muted:   r.NewStyle().Foreground(ColorSlate),
			success: r.NewStyle().Foreground(ColorSuccess),
			warning: r.NewStyle().Foreground(ColorWarning),
			err:     r.NewStyle().Foreground(ColorError),
			box: r.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(ColorTealDeep).
				Padding(0, 1),
		},
	}
}

// Mode returns the printer's output mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a heading. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.styles.title.Render(text))
}

// Muted prints secondary text. Machine mode prints nothing.
func (p *Printer) Muted(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.styles.muted.Render(text))
}

// Fragment writes streamed text as-is, with no newline.
func (p *Printer) Fragment(text string) {
	fmt.Fprint(p.out, text)
}

func (p *Printer) Success(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.styles.success.Render(string(IconSuccess)), p.styles.success.Render(text))
}

func (p *Printer) Warning(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.styles.warning.Render(string(IconWarning)), p.styles.warning.Render(text))
}

func (p *Printer) Error(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.styles.err.Render(string(IconError)), p.styles.err.Render(text))
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, p.styles.box.Width(60).Render(p.styles.title.Render(title)+"\n"+content))
}
