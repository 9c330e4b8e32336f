// Package split segments responder replies into natural sentence-like chunks
// for paced delivery, and computes a human-feeling delay per segment.
//
// The splitter must never break inside URLs, www hosts, e-mail addresses,
// quoted strings, ordinal markers ("1. "), decimal numbers, or dotted
// abbreviations. Protected spans are swapped for placeholders before the
// boundary scan and restored afterward.
package split

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// minSegmentRunes is the threshold below which a segment is merged with
	// its neighbor. Keeps interjections like "Yes!" attached to the sentence
	// that follows instead of arriving as a lone bubble.
	minSegmentRunes = 12

	placeholderFormat = "XSPANX%dX"

	// Per-segment send delay: 100ms per rune, clamped.
	delayPerRune = 100 * time.Millisecond
	// MinSegmentDelay is the floor for the per-segment send delay.
	MinSegmentDelay = 900 * time.Millisecond
	// MaxSegmentDelay is the ceiling for the per-segment send delay.
	MaxSegmentDelay = 6 * time.Second
)

// protectedPattern matches spans that must survive the boundary scan intact:
// URLs, www hosts, e-mails, double/single quoted strings, ordinal markers,
// and word.word tokens (decimals, abbreviations, filenames, domains).
var protectedPattern = regexp.MustCompile(
	`https?://[^\s]+` +
		`|www\.[^\s]+` +
		`|[^\s@]+@[^\s@]+\.[^\s@]+` +
		`|"[^"]*"` +
		`|'[^']*'` +
		`|\b(?:\w\.){2,}` +
		`|\b\d+\.\s` +
		`|\w+\.\w+`)

// Messages splits text into sentence-like segments without breaking protected
// spans. Returns nil for empty input.
func Messages(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var protected []string
	masked := protectedPattern.ReplaceAllStringFunc(text, func(span string) string {
		protected = append(protected, span)
		return fmt.Sprintf(placeholderFormat, len(protected)-1)
	})

	parts := scanBoundaries(masked)
	parts = mergeShort(parts)

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		for i := len(protected) - 1; i >= 0; i-- {
			part = strings.ReplaceAll(part, fmt.Sprintf(placeholderFormat, i), protected[i])
		}
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// scanBoundaries cuts masked text after runs of sentence enders ('.', '?',
// '!'), keeping the enders and one trailing closing quote with the segment.
func scanBoundaries(text string) []string {
	var parts []string
	start := 0
	i := 0
	runes := []rune(text)

	for i < len(runes) {
		if isEnder(runes[i]) {
			for i < len(runes) && isEnder(runes[i]) {
				i++
			}
			if i < len(runes) && (runes[i] == '"' || runes[i] == '\'') {
				i++
			}
			parts = append(parts, string(runes[start:i]))
			start = i
			continue
		}
		i++
	}
	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

func isEnder(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}

// mergeShort folds segments shorter than minSegmentRunes into their neighbor
// so the paced sender does not emit stub bubbles.
func mergeShort(parts []string) []string {
	if len(parts) <= 1 {
		return parts
	}
	var merged []string
	for _, part := range parts {
		if len(merged) > 0 && utf8.RuneCountInString(strings.TrimSpace(merged[len(merged)-1])) < minSegmentRunes {
			merged[len(merged)-1] += part
			continue
		}
		merged = append(merged, part)
	}
	// A short trailing segment folds backward.
	if n := len(merged); n > 1 && utf8.RuneCountInString(strings.TrimSpace(merged[n-1])) < minSegmentRunes {
		merged[n-2] += merged[n-1]
		merged = merged[:n-1]
	}
	return merged
}

// SegmentDelay returns the send delay for one segment, proportional to its
// length and clamped to [MinSegmentDelay, MaxSegmentDelay].
func SegmentDelay(segment string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(segment)) * delayPerRune
	if d < MinSegmentDelay {
		return MinSegmentDelay
	}
	if d > MaxSegmentDelay {
		return MaxSegmentDelay
	}
	return d
}
