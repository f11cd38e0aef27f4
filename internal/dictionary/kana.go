package dictionary

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

const prolongedSound = 'ー'

// toKatakana shifts hiragana into the katakana block and leaves everything
// else alone.
func toKatakana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'ぁ' && r <= 'ゖ' {
			return r + 0x60
		}
		return r
	}, s)
}

func isKatakana(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != prolongedSound && !unicode.Is(unicode.Katakana, r) {
			return false
		}
	}
	return true
}

// foldSurface maps a surface to the form used to match words across the
// local store and the backend, which stores surfaces full-width.
func foldSurface(s string) string {
	return strings.ToLower(width.Fold.String(strings.TrimSpace(s)))
}
