package patterns

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleSet() Set {
	return Set{
		Version: "test-1",
		Patterns: []Pattern{
			{ID: "fin", Category: CategoryFinancialPressure, Keywords: []string{"send me money"}, Weight: 30},
		},
	}
}

func mustCompile(t *testing.T, set Set) *Matcher {
	t.Helper()
	m, err := Compile(set)
	require.NoError(t, err)
	return m
}

func TestMatch_FinancialPressureExample(t *testing.T) {
	m := mustCompile(t, exampleSet())

	got := m.Match("hey, can you send me money for rent")

	assert.Equal(t, []Match{{PatternID: "fin", Category: CategoryFinancialPressure, Weight: 30}}, got)
	assert.Equal(t, 30, Severity(got))
}

func TestMatch_EmptyAndNonMatching(t *testing.T) {
	m := mustCompile(t, exampleSet())

	for _, text := range []string{"", "   ", "see you at the cafe at 7?"} {
		got := m.Match(text)
		assert.NotNil(t, got)
		assert.Empty(t, got, "text %q", text)
		assert.Equal(t, 0, Severity(got))
	}
}

func TestMatch_CaseAndWhitespaceInsensitive(t *testing.T) {
	m := mustCompile(t, exampleSet())

	assert.Len(t, m.Match("SEND   Me\n\tMONEY please"), 1)
}

func TestMatch_StripsMarkup(t *testing.T) {
	m := mustCompile(t, exampleSet())

	assert.Len(t, m.Match("<b>send</b> me money &amp; fast"), 1)
	assert.Len(t, m.Match("send me <i>money</i>"), 1)
}

func TestMatch_StrayAngleBracketDoesNotHideText(t *testing.T) {
	m := mustCompile(t, exampleSet())
	want := []Match{{PatternID: "fin", Category: CategoryFinancialPressure, Weight: 30}}

	for _, text := range []string{
		"hey <x send me money for rent",
		"a<b send me money",
		"i think a<b so send me money for rent",
		`<img alt="send me money">`,
		"send&#32;me money",
	} {
		assert.Equal(t, want, m.Match(text), "text %q", text)
	}
}

func TestViews(t *testing.T) {
	assert.Nil(t, views(""))
	assert.Nil(t, views(" \n\t"))
	assert.Equal(t, []string{"send me money"}, views("Send  me MONEY"))
	assert.Equal(t, []string{"hi there", "<b>hi</b> there"}, views("<b>Hi</b> there"))
	assert.Equal(t, []string{"hey", "hey <x send me money"}, views("hey <x send me money"))
}

func TestMatch_OrderFollowsPatternSetAndOnePerPattern(t *testing.T) {
	m := mustCompile(t, Set{
		Version: "v",
		Patterns: []Pattern{
			{ID: "b", Category: CategoryOffPlatformContact, Keywords: []string{"whatsapp"}, Weight: 15},
			{ID: "a", Category: CategoryExternalPaymentRequest, Keywords: []string{"gift card", "itunes"}, Weight: 45},
			{ID: "c", Category: CategoryHarassment, Regex: []string{`\bkys\b`}, Weight: 60},
		},
	})

	got := m.Match("buy an itunes gift card then message me on whatsapp")

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].PatternID)
	assert.Equal(t, "a", got[1].PatternID)
	assert.Equal(t, 45, Severity(got))
}

func TestMatch_RegexCaseInsensitive(t *testing.T) {
	m := mustCompile(t, Set{
		Version: "v",
		Patterns: []Pattern{
			{ID: "age", Category: CategoryAgeReference, Regex: []string{`\b(1[0-7]) ?(yo|years? old)\b`}, Weight: 80},
		},
	})

	assert.Len(t, m.Match("I am 15 Years Old"), 1)
	assert.Empty(t, m.Match("I am 25 years old"))
}

func TestMatch_Fuzzy(t *testing.T) {
	set := Set{
		Version: "v",
		Patterns: []Pattern{
			{ID: "pay", Category: CategoryExternalPaymentRequest, Keywords: []string{"moneygram"}, Weight: 45, Fuzzy: 1},
		},
	}
	m := mustCompile(t, set)

	assert.Len(t, m.Match("just use moneygrm ok"), 1)
	assert.Empty(t, m.Match("just use mnygrm ok"), "distance 2 exceeds fuzzy 1")

	set.Patterns[0].Fuzzy = 0
	strictMatcher := mustCompile(t, set)
	assert.Empty(t, strictMatcher.Match("just use moneygrm ok"))
}

func TestMatch_Deterministic(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)

	text := "my number is +1 (555) 010-9999, add me on whatsapp and send me money"
	first := m.Match(text)
	require.NotEmpty(t, first)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, first, m.Match(text))
		}()
	}
	wg.Wait()
}

func TestCompile_Rejects(t *testing.T) {
	base := func() Set { return exampleSet() }

	tests := []struct {
		name   string
		mutate func(s *Set)
		want   string
	}{
		{"unknown category", func(s *Set) { s.Patterns[0].Category = "SPAM" }, "category"},
		{"weight zero", func(s *Set) { s.Patterns[0].Weight = 0 }, "Weight"},
		{"weight over max", func(s *Set) { s.Patterns[0].Weight = 101 }, "Weight"},
		{"fuzzy over max", func(s *Set) { s.Patterns[0].Fuzzy = 3 }, "Fuzzy"},
		{"missing version", func(s *Set) { s.Version = "" }, "Version"},
		{"no rules", func(s *Set) { s.Patterns[0].Keywords = nil }, "keyword or regex"},
		{"blank keyword", func(s *Set) { s.Patterns[0].Keywords = []string{""} }, "Keywords"},
		{"bad regex", func(s *Set) { s.Patterns[0].Regex = []string{"(unclosed"} }, "regex"},
		{"duplicate id", func(s *Set) { s.Patterns = append(s.Patterns, s.Patterns[0]) }, "unique"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			_, err := Compile(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSet), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompile_EmptySet(t *testing.T) {
	_, err := Compile(Set{Version: "v"})
	assert.ErrorIs(t, err, ErrEmptySet)
}

func TestMatcher_SetIsACopy(t *testing.T) {
	m := mustCompile(t, exampleSet())
	s := m.Set()
	s.Patterns[0].Keywords[0] = "changed"

	assert.Len(t, m.Match("send me money"), 1)
	assert.Equal(t, "send me money", m.Set().Patterns[0].Keywords[0])
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":                       "",
		"  Hello\tWORLD \n":      "hello world",
		"<p>Hi <b>there</b></p>": "hi there",
		"Tom &amp; Jerry":        "tom & jerry",
		"I <3 you":               "i <3 you",
	}
	for in, want := range tests {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
	assert.False(t, strings.Contains(Normalize("<script>alert(1)</script>hi"), "<script>"))
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories {
		assert.True(t, c.Valid())
	}
	assert.False(t, Category("financial_pressure").Valid())
}
