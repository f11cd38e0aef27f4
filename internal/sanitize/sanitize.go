// Package sanitize turns raw chat messages into text that is safe to hand to
// the synthesis backend.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultMaxLength  = 200
	DefaultMuteMarker = "(音量0)"
	Ellipsis          = "..."
)

var (
	spoilerPattern     = regexp.MustCompile(`(?s)\|\|.+?\|\|`)
	customEmojiPattern = regexp.MustCompile(`<a?:[A-Za-z0-9_]+:[0-9]+>`)
	mentionPattern     = regexp.MustCompile(`<(?:@[!&]?|#)[0-9]+>`)
	slashRefPattern    = regexp.MustCompile(`</[^<>:]+:[0-9]+>`)
	urlPattern         = regexp.MustCompile(`https?://\S+`)
	quotePattern       = regexp.MustCompile(`(?m)^\s*>+\s?`)
	markdownReplacer   = strings.NewReplacer("*", "", "_", "", "~", "", "`", "", "|", "")
)

// emojiGlyphs covers the pictographic blocks plus the joiners and selectors
// that glue multi-codepoint emoji together. Keycap digits keep their digit.
var emojiGlyphs = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x00a9, Hi: 0x00a9, Stride: 1},
		{Lo: 0x00ae, Hi: 0x00ae, Stride: 1},
		{Lo: 0x200d, Hi: 0x200d, Stride: 1},
		{Lo: 0x203c, Hi: 0x203c, Stride: 1},
		{Lo: 0x2049, Hi: 0x2049, Stride: 1},
		{Lo: 0x20e3, Hi: 0x20e3, Stride: 1},
		{Lo: 0x2122, Hi: 0x2122, Stride: 1},
		{Lo: 0x2139, Hi: 0x2139, Stride: 1},
		{Lo: 0x2194, Hi: 0x21aa, Stride: 1},
		{Lo: 0x2300, Hi: 0x23ff, Stride: 1},
		{Lo: 0x24c2, Hi: 0x24c2, Stride: 1},
		{Lo: 0x25aa, Hi: 0x25ab, Stride: 1},
		{Lo: 0x25b6, Hi: 0x25b6, Stride: 1},
		{Lo: 0x25c0, Hi: 0x25c0, Stride: 1},
		{Lo: 0x25fb, Hi: 0x25fe, Stride: 1},
		{Lo: 0x2600, Hi: 0x27bf, Stride: 1},
		{Lo: 0x2934, Hi: 0x2935, Stride: 1},
		{Lo: 0x2b00, Hi: 0x2bff, Stride: 1},
		{Lo: 0x3030, Hi: 0x3030, Stride: 1},
		{Lo: 0x303d, Hi: 0x303d, Stride: 1},
		{Lo: 0x3297, Hi: 0x3297, Stride: 1},
		{Lo: 0x3299, Hi: 0x3299, Stride: 1},
		{Lo: 0xfe0e, Hi: 0xfe0f, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1f000, Hi: 0x1faff, Stride: 1},
		{Lo: 0xe0020, Hi: 0xe007f, Stride: 1},
	},
}

// Sanitizer strips markup from chat text and enforces the length policy.
type Sanitizer struct {
	maxLength  int
	muteMarker string
}

func New(maxLength int, muteMarker string) *Sanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Sanitizer{maxLength: maxLength, muteMarker: muteMarker}
}

// Muted reports whether raw starts with the mute directive. Muted messages
// must be dropped before any other processing.
func (s *Sanitizer) Muted(raw string) bool {
	if s.muteMarker == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(raw), s.muteMarker)
}

// Sanitize returns the speakable form of raw. An empty result means the
// message has nothing to say.
func (s *Sanitizer) Sanitize(raw string) string {
	text := spoilerPattern.ReplaceAllString(raw, " ")
	text = customEmojiPattern.ReplaceAllString(text, " ")
	text = slashRefPattern.ReplaceAllString(text, " ")
	text = mentionPattern.ReplaceAllString(text, " ")
	text = urlPattern.ReplaceAllString(text, " ")
	text = quotePattern.ReplaceAllString(text, "")
	text = stripEmoji(text)
	text = markdownReplacer.Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	return Truncate(text, s.maxLength)
}

// Truncate cuts text to max code points and appends the ellipsis marker when
// anything was cut.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + Ellipsis
}

func stripEmoji(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(emojiGlyphs, r) {
			return -1
		}
		return r
	}, text)
}
