// Package patterns classifies message text against a versioned keyword and
// regex rule set. A compiled Matcher is immutable; policy changes arrive as
// a new Set swapped in through the Registry.
package patterns

import (
	"errors"
	"fmt"
	"slices"
)

// Category is a closed enumeration of risk categories.
type Category string

const (
	CategoryFinancialPressure      Category = "FINANCIAL_PRESSURE"
	CategoryExternalPaymentRequest Category = "EXTERNAL_PAYMENT_REQUEST"
	CategoryConsentViolation       Category = "CONSENT_VIOLATION"
	CategoryAgeReference           Category = "AGE_REFERENCE"
	CategoryExplicitContent        Category = "EXPLICIT_CONTENT"
	CategoryOffPlatformContact     Category = "OFF_PLATFORM_CONTACT"
	CategoryHarassment             Category = "HARASSMENT"
)

// Categories lists every known category in declaration order.
var Categories = []Category{
	CategoryFinancialPressure,
	CategoryExternalPaymentRequest,
	CategoryConsentViolation,
	CategoryAgeReference,
	CategoryExplicitContent,
	CategoryOffPlatformContact,
	CategoryHarassment,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Weight and fuzzy distance bounds.
const (
	MinWeight   = 1
	MaxWeight   = 100
	MaxFuzzy    = 2
	fuzzyMinLen = 6 // keywords shorter than this never match fuzzily
)

var (
	ErrEmptySet      = errors.New("patterns: pattern set is empty")
	ErrInvalidSet    = errors.New("patterns: invalid pattern set")
	ErrNoRegistrySet = errors.New("patterns: no pattern set loaded")
)

// Pattern is one rule. A pattern matches when any keyword is a substring of
// the normalized text or any regex matches it.
type Pattern struct {
	ID       string   `yaml:"id" json:"id" validate:"required,max=128"`
	Category Category `yaml:"category" json:"category" validate:"required,category"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty" validate:"dive,required"`
	Regex    []string `yaml:"regex,omitempty" json:"regex,omitempty" validate:"dive,required"`
	Weight   int      `yaml:"weight" json:"weight" validate:"min=1,max=100"`
	Fuzzy    int      `yaml:"fuzzy,omitempty" json:"fuzzy,omitempty" validate:"min=0,max=2"`
}

// Set is a versioned list of patterns. Order matters: match output follows it.
type Set struct {
	Version  string    `yaml:"version" json:"version" validate:"required,max=64"`
	Patterns []Pattern `yaml:"patterns" json:"patterns" validate:"unique=ID,dive"`
}

// Match is one pattern hit.
type Match struct {
	PatternID string   `json:"patternId"`
	Category  Category `json:"category"`
	Weight    int      `json:"weight"`
}

// Severity returns the maximum weight among matches, or 0.
func Severity(matches []Match) int {
	sev := 0
	for _, m := range matches {
		sev = max(sev, m.Weight)
	}
	return sev
}

// ConfigError describes why a pattern set was rejected.
type ConfigError struct {
	PatternID string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.PatternID == "" {
		return fmt.Sprintf("patterns: %s", e.Reason)
	}
	return fmt.Sprintf("patterns: pattern %q: %s", e.PatternID, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidSet }
