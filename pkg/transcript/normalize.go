package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// asciiPunct maps the ASCII punctuation the recognizer emits inconsistently
// to its full-width form, so that "你好!" and "你好！" compare equal.
var asciiPunct = map[rune]rune{
	',': '，',
	'.': '。',
	'?': '？',
	'!': '！',
	':': '：',
	';': '；',
}

// Normalize canonicalizes text for duplicate comparison: all whitespace is
// stripped, runs of an identical punctuation mark collapse to one, and ASCII
// punctuation maps to full-width.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var last rune = -1
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if m, ok := asciiPunct[r]; ok {
			r = m
		}
		if r == last && unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

// minContainRunes is the minimum normalized length of the shorter text for
// substring containment to count as a duplicate. Short backchannel phrases
// ("好的", "好的吗") stay distinct.
const minContainRunes = 6

// Duplicate reports whether two raw texts are duplicates after
// normalization: either identical, or one contains the other and the shorter
// one has at least minContainRunes runes.
func Duplicate(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return na != ""
	}
	shorter, longer := na, nb
	if utf8.RuneCountInString(shorter) > utf8.RuneCountInString(longer) {
		shorter, longer = longer, shorter
	}
	if utf8.RuneCountInString(shorter) < minContainRunes {
		return false
	}
	return strings.Contains(longer, shorter)
}
