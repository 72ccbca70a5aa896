package security

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// formatRemover strips Unicode format characters (category Cf: zero-width
// spaces and joiners, direction marks, invisible operators, soft hyphens) and
// the combining grapheme joiner, all of which can split a trigger word
// without changing how it renders.
var formatRemover = runes.Remove(runes.Predicate(func(r rune) bool {
	return r == '\u034f' || unicode.Is(unicode.Cf, r)
}))

// leetReplacer folds common digit/symbol look-alikes onto letters.
var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
)

// Normalize canonicalizes text for pattern matching: NFKC, invisible
// character removal, lowercasing and leetspeak folding. The result is only
// meant for detection; redaction and length checks work on the original text.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	if stripped, _, err := transform.String(formatRemover, text); err == nil {
		text = stripped
	}
	return leetReplacer.Replace(strings.ToLower(text))
}
