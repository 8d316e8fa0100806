// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// contentPattern finds a "content" string value. The closing quote is
// optional so truncated payloads still match.
var contentPattern = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)`)

// RecoverContent pulls the first "content" string out of a payload that
// failed to parse as JSON.
//
// # Description
//
// Handles payloads cut off mid-string, e.g.
// {"choices":[{"delta":{"content":"wor . Escapes are decoded where they
// are complete and control characters other than newline, carriage return
// and tab are removed.
//
// # Outputs
//
//   - string: The recovered text.
//   - bool: False when no non-empty content could be recovered.
func RecoverContent(payload []byte) (string, bool) {
	m := contentPattern.FindSubmatch(payload)
	if m == nil {
		return "", false
	}
	text := Sanitize(unescapeJSONString(string(m[1])))
	if text == "" {
		return "", false
	}
	return text, true
}

// Sanitize drops control characters except \n, \r and \t, and replaces
// invalid UTF-8.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, s)
}

// unescapeJSONString decodes JSON escapes. An incomplete trailing escape
// such as \u00 is cut off; if decoding still fails the raw text is kept.
func unescapeJSONString(s string) string {
	candidate := s
	for attempt := 0; attempt < 2; attempt++ {
		var out string
		if err := json.Unmarshal([]byte(`"`+candidate+`"`), &out); err == nil {
			return out
		}
		idx := strings.LastIndexByte(candidate, '\\')
		if idx < 0 {
			break
		}
		candidate = candidate[:idx]
	}
	if !utf8.ValidString(s) {
		return strings.ToValidUTF8(s, "")
	}
	return s
}
