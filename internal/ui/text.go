// Package ui provides terminal styling for caravan CLI output.
package ui

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fieldworks/caravan/internal/types"
)

// Default truncation settings for payload and report display.
const (
	DefaultMaxLines     = 15 // max lines before a record preview truncates
	DefaultContextLines = 5  // lines kept at each end when truncating
)

// TruncateLines truncates text to maxLines, keeping contextLines from the
// beginning and end with a hidden-line marker in between. Text within the
// limit is returned unchanged.
func TruncateLines(text string, maxLines, contextLines int) string {
	if text == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	total := len(lines)
	if total <= maxLines {
		return text
	}

	if contextLines < 1 {
		contextLines = DefaultContextLines
	}
	// Not enough room for head+marker+tail; keep the head only.
	if maxLines < contextLines*2+3 {
		return strings.Join(lines[:maxLines], "\n") + "\n..."
	}

	hidden := total - contextLines*2
	marker := fmt.Sprintf("... (%d lines hidden; use --full for the complete record) ...", hidden)

	var b strings.Builder
	b.WriteString(strings.Join(lines[:contextLines], "\n"))
	b.WriteString("\n")
	b.WriteString(RenderMuted(strings.Repeat("─", 40)))
	b.WriteString("\n")
	b.WriteString(RenderMuted(marker))
	b.WriteString("\n")
	b.WriteString(RenderMuted(strings.Repeat("─", 40)))
	b.WriteString("\n")
	b.WriteString(strings.Join(lines[total-contextLines:], "\n"))
	return b.String()
}

// TruncateSimple performs simple end truncation with "..." suffix.
// UTF-8 safe.
func TruncateSimple(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}

// PayloadPreview renders a payload as compact JSON truncated to fit a
// table cell. Nil payloads render as an empty string.
func PayloadPreview(p types.Payload, maxLen int) string {
	if len(p) == 0 {
		return ""
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return TruncateSimple(fmt.Sprintf("%v", map[string]any(p)), maxLen)
	}
	return TruncateSimple(string(encoded), maxLen)
}

// PayloadIndent renders a payload as indented JSON for detail views.
func PayloadIndent(p types.Payload) string {
	if len(p) == 0 {
		return "(empty)"
	}
	encoded, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(p))
	}
	return string(encoded)
}

// WrapText wraps text at word boundaries to fit within maxWidth.
// Preserves existing line breaks.
func WrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		maxWidth = 80
	}

	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(wrapLine(line, maxWidth))
	}
	return b.String()
}

// wrapLine wraps a single line at word boundaries. A word longer than the
// width stays on its own line rather than being split.
func wrapLine(line string, maxWidth int) string {
	if utf8.RuneCountInString(line) <= maxWidth {
		return line
	}

	var b strings.Builder
	width := 0
	for _, word := range strings.Fields(line) {
		wordLen := utf8.RuneCountInString(word)
		switch {
		case width == 0:
			b.WriteString(word)
			width = wordLen
		case width+1+wordLen <= maxWidth:
			b.WriteString(" ")
			b.WriteString(word)
			width += 1 + wordLen
		default:
			b.WriteString("\n")
			b.WriteString(word)
			width = wordLen
		}
	}
	return b.String()
}

// ShouldTruncate returns true if text exceeds the given thresholds.
func ShouldTruncate(text string, maxLines, maxChars int) bool {
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		return true
	}
	if maxLines > 0 && strings.Count(text, "\n")+1 > maxLines {
		return true
	}
	return false
}
