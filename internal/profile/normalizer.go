package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Submission is a raw questionnaire as delivered by the intake flow.
type Submission struct {
	ID          string         `json:"id" yaml:"id"`
	Version     int            `json:"version" yaml:"version"`
	Kind        Kind           `json:"kind" yaml:"kind"`
	SubmittedAt time.Time      `json:"submittedAt" yaml:"submittedAt"`
	Answers     map[string]any `json:"answers" yaml:"answers"`
}

// Ref returns the submission's profile reference.
func (s Submission) Ref() Ref {
	return Ref{ID: s.ID, Version: s.Version}
}

// Normalizer turns raw answers into canonical profiles.
type Normalizer struct {
	schema *Schema
	logger *zap.Logger
}

func NewNormalizer(schema *Schema, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{schema: schema, logger: logger}
}

func (n *Normalizer) Schema() *Schema { return n.schema }

// Normalize resolves every known dimension of the submission. Unknown keys and
// unknown option values are dropped with a warning; missing required
// dimensions mark the profile incomplete. Only a submission without an id or
// with an unknown kind is rejected.
func (n *Normalizer) Normalize(sub Submission) (*PreferenceProfile, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return nil, errors.New("profile id is required")
	}
	if !sub.Kind.Valid() {
		return nil, fmt.Errorf("profile %s: unknown kind %q", sub.ID, sub.Kind)
	}

	log := n.logger.With(
		zap.String("profile", sub.Ref().String()),
		zap.String("kind", string(sub.Kind)),
	)

	resolved := make(map[string]Answer, len(sub.Answers))
	freeText := make(map[string]string)
	sources := make(map[string]string, len(sub.Answers))

	// sorted keys keep warnings and alias collisions deterministic
	keys := make([]string, 0, len(sub.Answers))
	for k := range sub.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := sub.Answers[key]
		idx, ok := n.schema.byKey[Canonical(key)]
		if !ok || !n.schema.specs[idx].appliesTo(sub.Kind) {
			log.Warn("dropping unknown questionnaire key", zap.String("key", key))
			continue
		}
		spec := n.schema.specs[idx]

		if raw == nil {
			continue
		}

		if previous, dup := sources[spec.Name]; dup {
			log.Warn("dimension answered more than once, keeping the later key",
				zap.String("dimension", spec.Name),
				zap.String("dropped_key", previous),
				zap.String("key", key),
			)
		}
		sources[spec.Name] = key

		switch spec.Type {
		case AnswerText:
			var text string
			if err := mapstructure.WeakDecode(raw, &text); err != nil {
				log.Warn("dropping malformed free-text answer", zap.String("dimension", spec.Name), zap.Error(err))
				continue
			}
			if text = strings.TrimSpace(text); text != "" {
				freeText[spec.Name] = text
			}
		case AnswerSingle:
			values, err := decodeValues(raw)
			if err != nil || len(values) != 1 {
				log.Warn("dropping malformed single-choice answer",
					zap.String("dimension", spec.Name),
					zap.Int("values", len(values)),
					zap.Error(err),
				)
				continue
			}
			value, ok := n.schema.option(idx, values[0])
			if !ok {
				log.Warn("dropping unknown option", zap.String("dimension", spec.Name), zap.String("value", values[0]))
				continue
			}
			resolved[spec.Name] = Single(spec.Name, value)
		case AnswerMulti:
			values, err := decodeValues(raw)
			if err != nil {
				log.Warn("dropping malformed multi-select answer", zap.String("dimension", spec.Name), zap.Error(err))
				continue
			}
			accepted := make([]string, 0, len(values))
			for _, v := range values {
				value, ok := n.schema.option(idx, v)
				if !ok {
					log.Warn("dropping unknown option", zap.String("dimension", spec.Name), zap.String("value", v))
					continue
				}
				accepted = append(accepted, value)
			}
			if len(accepted) > 0 {
				resolved[spec.Name] = Multi(spec.Name, accepted...)
			}
		}
	}

	answers := make([]Answer, 0, len(resolved))
	var missing []string
	for _, spec := range n.schema.specs {
		if !spec.appliesTo(sub.Kind) {
			continue
		}
		if a, ok := resolved[spec.Name]; ok {
			answers = append(answers, a)
			continue
		}
		if spec.Required && (spec.Type != AnswerText || freeText[spec.Name] == "") {
			missing = append(missing, spec.Name)
		}
	}

	if len(missing) > 0 {
		log.Info("profile is incomplete", zap.Strings("missing", missing))
	}

	return build(sub.Ref(), sub.Kind, answers, freeText, missing, sub.SubmittedAt), nil
}

// decodeValues accepts a single scalar or a list and returns trimmed strings.
func decodeValues(raw any) ([]string, error) {
	var values []string
	if err := mapstructure.WeakDecode(raw, &values); err != nil {
		return nil, err
	}

	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}
