package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("category", func(fl validator.FieldLevel) bool {
			return Category(fl.Field().String()).Valid()
		})
	})
	return validate
}

type compiled struct {
	id       string
	category Category
	weight   int
	fuzzy    int
	keywords []string
	fuzzyKW  []string
	regex    []*regexp.Regexp
}

// Matcher evaluates text against a compiled Set. It is immutable and safe
// for concurrent use.
type Matcher struct {
	version  string
	source   Set
	patterns []compiled
}

// Compile validates set and prepares it for matching. Any problem is a
// configuration error wrapping ErrInvalidSet (or ErrEmptySet).
func Compile(set Set) (*Matcher, error) {
	if len(set.Patterns) == 0 {
		return nil, ErrEmptySet
	}
	if err := structValidator().Struct(set); err != nil {
		return nil, &ConfigError{Reason: describeValidation(err)}
	}

	m := &Matcher{version: set.Version, source: cloneSet(set)}
	for _, p := range set.Patterns {
		if len(p.Keywords) == 0 && len(p.Regex) == 0 {
			return nil, &ConfigError{PatternID: p.ID, Reason: "needs at least one keyword or regex"}
		}
		c := compiled{id: p.ID, category: p.Category, weight: p.Weight, fuzzy: p.Fuzzy}
		for _, kw := range p.Keywords {
			norm := Normalize(kw)
			if norm == "" {
				return nil, &ConfigError{PatternID: p.ID, Reason: fmt.Sprintf("keyword %q is blank after normalization", kw)}
			}
			c.keywords = append(c.keywords, norm)
			if p.Fuzzy > 0 && !strings.Contains(norm, " ") && utf8.RuneCountInString(norm) >= fuzzyMinLen {
				c.fuzzyKW = append(c.fuzzyKW, norm)
			}
		}
		for _, expr := range p.Regex {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, &ConfigError{PatternID: p.ID, Reason: fmt.Sprintf("regex %q: %v", expr, err)}
			}
			c.regex = append(c.regex, re)
		}
		m.patterns = append(m.patterns, c)
	}
	return m, nil
}

// Version returns the pattern set version.
func (m *Matcher) Version() string { return m.version }

// Len returns the number of patterns.
func (m *Matcher) Len() int { return len(m.patterns) }

// Set returns a copy of the source set.
func (m *Matcher) Set() Set { return cloneSet(m.source) }

// Categories returns the distinct categories covered, in pattern order.
func (m *Matcher) Categories() []Category {
	seen := make(map[Category]bool)
	var out []Category
	for _, p := range m.patterns {
		if !seen[p.category] {
			seen[p.category] = true
			out = append(out, p.category)
		}
	}
	return out
}

// Match returns one Match per pattern that hits the text, in pattern-set
// order. Empty text yields an empty result.
func (m *Matcher) Match(text string) []Match {
	texts := views(text)
	if len(texts) == 0 {
		return []Match{}
	}

	var (
		words     []string
		tokenized bool
	)
	matches := []Match{}
	for i := range m.patterns {
		p := &m.patterns[i]
		hit := false
		for _, t := range texts {
			if hit = p.matchExact(t); hit {
				break
			}
		}
		if !hit && len(p.fuzzyKW) > 0 {
			if !tokenized {
				for _, t := range texts {
					words = append(words, tokens(t)...)
				}
				tokenized = true
			}
			hit = p.matchFuzzy(words)
		}
		if hit {
			matches = append(matches, Match{PatternID: p.id, Category: p.category, Weight: p.weight})
		}
	}
	return matches
}

func (p *compiled) matchExact(norm string) bool {
	for _, kw := range p.keywords {
		if strings.Contains(norm, kw) {
			return true
		}
	}
	for _, re := range p.regex {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}

func (p *compiled) matchFuzzy(words []string) bool {
	for _, kw := range p.fuzzyKW {
		kwLen := utf8.RuneCountInString(kw)
		for _, w := range words {
			wl := utf8.RuneCountInString(w)
			if wl < kwLen-p.fuzzy || wl > kwLen+p.fuzzy {
				continue
			}
			if levenshtein.ComputeDistance(w, kw) <= p.fuzzy {
				return true
			}
		}
	}
	return false
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func cloneSet(s Set) Set {
	out := Set{Version: s.Version, Patterns: make([]Pattern, len(s.Patterns))}
	for i, p := range s.Patterns {
		p.Keywords = append([]string(nil), p.Keywords...)
		p.Regex = append([]string(nil), p.Regex...)
		out.Patterns[i] = p
	}
	return out
}
