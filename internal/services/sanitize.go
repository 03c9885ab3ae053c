package services

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// htmlEscaper is the documented entity map applied to every stored message:
// & < > " and '.
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// EscapeHTML applies the entity map.
func EscapeHTML(s string) string { return htmlEscaper.Replace(s) }

// normalizeText brings ingress text into NFC, drops invalid UTF-8 and NUL
// bytes, and trims surrounding whitespace.
func normalizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(norm.NFC.String(s))
}

// prepareRoomContent normalizes, rejects empty input, escapes, and enforces
// maxRunes on the escaped form (the form that is stored).
func prepareRoomContent(raw string, maxRunes int) (string, error) {
	s := normalizeText(raw)
	if s == "" {
		return "", ErrEmptyContent
	}
	s = EscapeHTML(s)
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		return "", ErrContentTooLong
	}
	return s, nil
}

// prepareDMContent normalizes, rejects empty input, enforces maxRunes on
// the plaintext, then escapes.
func prepareDMContent(raw string, maxRunes int) (string, error) {
	s := normalizeText(raw)
	if s == "" {
		return "", ErrEmptyContent
	}
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		return "", ErrContentTooLong
	}
	return EscapeHTML(s), nil
}

// clampLimit applies the page bounds: 0 means def, otherwise the value is
// clamped to [1, hi].
func clampLimit(limit, def, hi int) int {
	switch {
	case limit == 0:
		return def
	case limit < 1:
		return 1
	case limit > hi:
		return hi
	default:
		return limit
	}
}
