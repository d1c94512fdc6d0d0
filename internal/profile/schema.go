package profile

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// AnswerType describes how a dimension is answered in the questionnaire.
type AnswerType string

const (
	AnswerSingle AnswerType = "single"
	AnswerMulti  AnswerType = "multi"
	AnswerText   AnswerType = "text"
)

// DimensionSpec declares one questionnaire dimension.
type DimensionSpec struct {
	Name     string     `mapstructure:"name"`
	Aliases  []string   `mapstructure:"aliases"`
	Type     AnswerType `mapstructure:"type"`
	Options  []string   `mapstructure:"options"`
	Required bool       `mapstructure:"required"`
	// Kinds limits the dimension to applicant or mentor questionnaires.
	// Empty means both.
	Kinds []Kind `mapstructure:"kinds"`
}

func (d DimensionSpec) appliesTo(kind Kind) bool {
	return len(d.Kinds) == 0 || slices.Contains(d.Kinds, kind)
}

// Schema is the known set of dimensions, in questionnaire order.
type Schema struct {
	specs   []DimensionSpec
	options []map[string]string
	byKey   map[string]int
}

// NewSchema validates the specs and indexes names and aliases.
func NewSchema(specs []DimensionSpec) (*Schema, error) {
	if len(specs) == 0 {
		return nil, errors.New("questionnaire schema has no dimensions")
	}

	s := &Schema{
		specs:   make([]DimensionSpec, 0, len(specs)),
		options: make([]map[string]string, 0, len(specs)),
		byKey:   make(map[string]int),
	}

	for _, spec := range specs {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, errors.New("dimension name is required")
		}

		if spec.Type == "" {
			spec.Type = AnswerSingle
		}
		switch spec.Type {
		case AnswerSingle, AnswerMulti, AnswerText:
		default:
			return nil, fmt.Errorf("dimension %q: unknown answer type %q", spec.Name, spec.Type)
		}

		if spec.Type == AnswerSingle && len(spec.Options) == 0 {
			return nil, fmt.Errorf("dimension %q: single-choice dimensions need options", spec.Name)
		}

		for _, k := range spec.Kinds {
			if !k.Valid() {
				return nil, fmt.Errorf("dimension %q: unknown profile kind %q", spec.Name, k)
			}
		}

		options := make(map[string]string, len(spec.Options))
		canonicalOptions := make([]string, 0, len(spec.Options))
		for _, opt := range spec.Options {
			c := Canonical(opt)
			if c == "" {
				return nil, fmt.Errorf("dimension %q: empty option", spec.Name)
			}
			if _, dup := options[c]; dup {
				return nil, fmt.Errorf("dimension %q: duplicate option %q", spec.Name, opt)
			}
			options[c] = c
			canonicalOptions = append(canonicalOptions, c)
		}
		spec.Options = canonicalOptions

		idx := len(s.specs)
		for _, key := range append([]string{spec.Name}, spec.Aliases...) {
			c := Canonical(key)
			if c == "" {
				continue
			}
			if other, dup := s.byKey[c]; dup && other != idx {
				return nil, fmt.Errorf("dimension %q: key %q already used by %q", spec.Name, key, s.specs[other].Name)
			}
			s.byKey[c] = idx
		}

		s.specs = append(s.specs, spec)
		s.options = append(s.options, options)
	}

	return s, nil
}

// Dimensions returns the specs in questionnaire order, with canonical options.
func (s *Schema) Dimensions() []DimensionSpec {
	out := make([]DimensionSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Lookup resolves a raw questionnaire key to its dimension.
func (s *Schema) Lookup(key string) (DimensionSpec, bool) {
	i, ok := s.byKey[Canonical(key)]
	if !ok {
		return DimensionSpec{}, false
	}
	return s.specs[i], true
}

func (s *Schema) option(dimension int, raw string) (string, bool) {
	opts := s.options[dimension]
	c := Canonical(raw)
	if len(opts) == 0 {
		return c, c != ""
	}
	v, ok := opts[c]
	return v, ok
}

// Canonical lowercases s and joins words with dashes, splitting camelCase:
// "feedbackTiming", "Feedback timing" and "feedback_timing" all become
// "feedback-timing".
func Canonical(s string) string {
	var b strings.Builder
	prevLower, pendingDash := false, false

	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == ' ' || r == '_' || r == '-' || r == '.' || r == '/':
			pendingDash = b.Len() > 0
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				pendingDash = true
			}
			if pendingDash {
				b.WriteRune('-')
				pendingDash = false
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			if pendingDash {
				b.WriteRune('-')
				pendingDash = false
			}
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}

	return b.String()
}
