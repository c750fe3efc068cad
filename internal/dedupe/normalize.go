package dedupe

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/research-engine/internal/model"
)

// nameAffixes are honorifics and generational suffixes dropped before keying.
var nameAffixes = map[string]bool{
	"dr": true, "prof": true, "professor": true,
	"mr": true, "mrs": true, "ms": true, "mx": true,
	"phd": true, "md": true, "jr": true, "sr": true,
	"ii": true, "iii": true, "iv": true,
}

// FoldName lowercases name with full Unicode case folding, strips accents and
// punctuation, and collapses whitespace: "Dr. José  O'Neil" becomes
// "dr jose o neil".
func FoldName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, name)
	if err != nil {
		s = name
	}
	s = cases.Fold().String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// nameTokens splits a person name into given-name tokens and a surname,
// handling "Surname, Given" order and dropping affixes.
func nameTokens(name string) (given []string, surname string) {
	if before, after, ok := strings.Cut(name, ","); ok {
		sur := stripAffixes(strings.Fields(FoldName(before)))
		giv := stripAffixes(strings.Fields(FoldName(after)))
		if len(sur) > 0 {
			return giv, sur[len(sur)-1]
		}
		name = after
	}
	toks := stripAffixes(strings.Fields(FoldName(name)))
	if len(toks) == 0 {
		return nil, ""
	}
	return toks[:len(toks)-1], toks[len(toks)-1]
}

func stripAffixes(toks []string) []string {
	out := toks[:0:0]
	for _, t := range toks {
		if !nameAffixes[t] {
			out = append(out, t)
		}
	}
	return out
}

// PersonKey is the default blocking key: folded surname plus the first
// initial of the given name, so "Jane Smith", "J. Smith" and "Smith, Jane"
// share the key "smith|j". A single-token name keys on that token alone.
func PersonKey(name string) string {
	given, surname := nameTokens(name)
	if surname == "" {
		return ""
	}
	if len(given) == 0 {
		return surname
	}
	initial := []rune(given[0])[0]
	return surname + "|" + string(initial)
}

// FieldKey returns a KeyFunc applying PersonKey to a payload field.
func FieldKey(field string) KeyFunc {
	return func(it model.Item) string {
		return PersonKey(it.Payload.String(field))
	}
}

// FoldedFieldKey returns a KeyFunc that blocks on the whole folded value of a
// payload field, for entities that are not person names.
func FoldedFieldKey(field string) KeyFunc {
	return func(it model.Item) string {
		return FoldName(it.Payload.String(field))
	}
}
