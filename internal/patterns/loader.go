package patterns

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_patterns.yaml
var defaultPatterns []byte

// DefaultSet returns the embedded pattern set.
func DefaultSet() (Set, error) {
	return Parse(defaultPatterns)
}

// Parse decodes a YAML pattern set. Unknown fields are rejected so a
// misspelled key fails loudly instead of silently disabling a rule.
func Parse(data []byte) (Set, error) {
	var set Set
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		if errors.Is(err, io.EOF) {
			return Set{}, ErrEmptySet
		}
		return Set{}, &ConfigError{Reason: fmt.Sprintf("decode yaml: %v", err)}
	}
	return set, nil
}

// LoadFile reads and parses a pattern file without compiling it.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Set{}, fmt.Errorf("patterns: read %s: %w", path, err)
	}
	return Parse(data)
}

// Load compiles the pattern file at path, or the embedded default set when
// path is empty.
func Load(path string) (*Matcher, error) {
	var (
		set Set
		err error
	)
	if path == "" {
		set, err = DefaultSet()
	} else {
		set, err = LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return Compile(set)
}
