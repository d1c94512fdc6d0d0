package profile

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Kind tells which side of a match a profile belongs to.
type Kind string

const (
	KindApplicant Kind = "applicant"
	KindMentor    Kind = "mentor"
)

// Valid reports whether k is a known profile kind.
func (k Kind) Valid() bool {
	return k == KindApplicant || k == KindMentor
}

// Ref is a stable reference to one submitted profile version.
type Ref struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r Ref) String() string {
	if r.ID == "" {
		return ""
	}
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}

// Answer is the resolved value of one dimension. Single-choice dimensions use
// Value, multi-select dimensions use Values (sorted, without duplicates).
type Answer struct {
	Dimension string   `json:"dimension"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
}

// IsSet reports whether the answer carries any value.
func (a Answer) IsSet() bool {
	return a.Value != "" || len(a.Values) > 0
}

// Single builds a single-choice answer.
func Single(dimension, value string) Answer {
	return Answer{Dimension: dimension, Value: value}
}

// Multi builds a multi-select answer.
func Multi(dimension string, values ...string) Answer {
	return Answer{Dimension: dimension, Values: normalizeSet(values)}
}

// PreferenceProfile is an immutable, canonical view of one questionnaire
// submission. A resubmission produces a new version instead of a mutation, so
// accessors hand out copies.
type PreferenceProfile struct {
	ref         Ref
	kind        Kind
	answers     []Answer
	index       map[string]int
	freeText    map[string]string
	missing     []string
	submittedAt time.Time
}

// New builds a profile from already canonical answers. Later answers for the
// same dimension replace earlier ones.
func New(ref Ref, kind Kind, answers ...Answer) *PreferenceProfile {
	return build(ref, kind, answers, nil, nil, time.Time{})
}

func build(ref Ref, kind Kind, answers []Answer, freeText map[string]string, missing []string, submittedAt time.Time) *PreferenceProfile {
	p := &PreferenceProfile{
		ref:         ref,
		kind:        kind,
		index:       make(map[string]int, len(answers)),
		freeText:    make(map[string]string, len(freeText)),
		missing:     slices.Clone(missing),
		submittedAt: submittedAt,
	}

	for _, a := range answers {
		if !a.IsSet() {
			continue
		}
		a.Values = slices.Clone(a.Values)
		if i, ok := p.index[a.Dimension]; ok {
			p.answers[i] = a
			continue
		}
		p.index[a.Dimension] = len(p.answers)
		p.answers = append(p.answers, a)
	}

	for k, v := range freeText {
		p.freeText[k] = v
	}

	return p
}

func (p *PreferenceProfile) Ref() Ref { return p.ref }

func (p *PreferenceProfile) Kind() Kind { return p.kind }

func (p *PreferenceProfile) SubmittedAt() time.Time { return p.submittedAt }

// Answers returns the resolved answers in schema order.
func (p *PreferenceProfile) Answers() []Answer {
	out := make([]Answer, len(p.answers))
	for i, a := range p.answers {
		a.Values = slices.Clone(a.Values)
		out[i] = a
	}
	return out
}

// Answer returns the answer for a dimension, if one was resolved.
func (p *PreferenceProfile) Answer(dimension string) (Answer, bool) {
	i, ok := p.index[dimension]
	if !ok {
		return Answer{}, false
	}
	a := p.answers[i]
	a.Values = slices.Clone(a.Values)
	return a, true
}

// FreeText returns an optional free-text answer.
func (p *PreferenceProfile) FreeText(dimension string) string {
	return p.freeText[dimension]
}

// FreeTexts returns all free-text answers.
func (p *PreferenceProfile) FreeTexts() map[string]string {
	out := make(map[string]string, len(p.freeText))
	for k, v := range p.freeText {
		out[k] = v
	}
	return out
}

// Incomplete reports whether required dimensions are missing. Incomplete
// profiles can still be scored for previews.
func (p *PreferenceProfile) Incomplete() bool { return len(p.missing) > 0 }

// Missing lists the required dimensions without a resolved value.
func (p *PreferenceProfile) Missing() []string { return slices.Clone(p.missing) }

// CanonicalValues returns dimension -> value (string or []string) for use in
// provider prompts.
func (p *PreferenceProfile) CanonicalValues() map[string]any {
	out := make(map[string]any, len(p.answers))
	for _, a := range p.answers {
		if len(a.Values) > 0 {
			out[a.Dimension] = slices.Clone(a.Values)
			continue
		}
		out[a.Dimension] = a.Value
	}
	return out
}

type profileJSON struct {
	Ref         Ref               `json:"ref"`
	Kind        Kind              `json:"kind"`
	Answers     []Answer          `json:"answers"`
	FreeText    map[string]string `json:"freeText,omitempty"`
	Missing     []string          `json:"missing,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt,omitempty"`
}

func (p *PreferenceProfile) MarshalJSON() ([]byte, error) {
	return json.Marshal(profileJSON{
		Ref:         p.ref,
		Kind:        p.kind,
		Answers:     p.answers,
		FreeText:    p.freeText,
		Missing:     p.missing,
		SubmittedAt: p.submittedAt,
	})
}

func (p *PreferenceProfile) UnmarshalJSON(data []byte) error {
	var raw profileJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = *build(raw.Ref, raw.Kind, raw.Answers, raw.FreeText, raw.Missing, raw.SubmittedAt)
	return nil
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
