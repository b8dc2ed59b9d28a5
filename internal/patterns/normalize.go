package patterns

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// strict strips every tag. bluemonday policies are safe for concurrent use.
var strict = bluemonday.StrictPolicy()

// Normalize prepares text for matching: markup is stripped, entities are
// unescaped, letters are lower-cased and whitespace runs collapse to a
// single space. The result is a pure function of the input.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	if strings.ContainsAny(text, "<&") {
		text = html.UnescapeString(strict.Sanitize(text))
	}
	return collapse(strings.ToLower(text))
}

// views returns the distinct non-empty forms of text that Match searches:
// the Normalize form and the raw form, which only decodes entities. Tag
// stripping drops everything after a stray '<', so both are searched.
func views(text string) []string {
	norm := Normalize(text)
	raw := collapse(strings.ToLower(html.UnescapeString(text)))
	switch {
	case raw == norm || raw == "":
		if norm == "" {
			return nil
		}
		return []string{norm}
	case norm == "":
		return []string{raw}
	default:
		return []string{norm, raw}
	}
}

func collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokens splits normalized text into words for fuzzy comparison.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
