package ielts

import (
	"strings"
	"unicode"
)

// timeMarkers maps Persian time-of-day words to their English labels.
// Order matters: the first marker found wins.
var timeMarkers = []struct {
	persian string
	english string
}{
	{"صبح", "Morning"},
	{"ظهر", "Afternoon"},
	{"عصر", "Evening"},
}

// Clean turns mixed Persian/Latin field text into a short readable label.
// Time windows become "<Marker> (<range>)"; venue names keep only the part
// before the first parenthesis. It is lossy and meant for display only.
func Clean(text string) string {
	if text == "" {
		return text
	}

	for _, m := range timeMarkers {
		if !strings.Contains(text, m.persian) {
			continue
		}
		open := strings.Index(text, "(")
		closing := strings.LastIndex(text, ")")
		if open >= 0 && closing > open {
			return m.english + " " + text[open:closing+1]
		}
		return m.english
	}

	var b strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || strings.ContainsRune(" -:()", r) {
			b.WriteRune(r)
		}
	}
	filtered := b.String()

	if before, _, found := strings.Cut(filtered, "("); found {
		return strings.TrimSpace(before)
	}
	return filtered
}
