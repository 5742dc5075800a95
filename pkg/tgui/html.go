package tgui

import (
	"html"
	"unicode/utf8"
)

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) string { return html.EscapeString(s) }

func B(s string) string    { return "<b>" + Esc(s) + "</b>" }
func Code(s string) string { return "<code>" + Esc(s) + "</code>" }

// Pre renders a preformatted block. Keep content short; Telegram
// requires balanced tags within each message chunk.
func Pre(s string) string { return "<pre>" + Esc(s) + "</pre>" }

// TruncRunes returns s truncated to at most n runes, with an ellipsis
// when anything was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count, cut := 0, 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}
