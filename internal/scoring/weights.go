package scoring

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/spigell/mentor-matcher/internal/profile"
)

// Comparison names the similarity function used for a dimension.
type Comparison string

const (
	Exact      Comparison = "exact"
	Ordinal    Comparison = "ordinal"
	SetOverlap Comparison = "set-overlap"
)

// DimensionWeight is one row of the weight table as it appears in configuration.
type DimensionWeight struct {
	Dimension  string     `mapstructure:"dimension" json:"dimension"`
	Weight     float64    `mapstructure:"weight" json:"weight"`
	Comparison Comparison `mapstructure:"comparison" json:"comparison"`
	// Scale lists ordinal values from one end to the other.
	Scale []string `mapstructure:"scale" json:"scale,omitempty"`
	// MismatchFloor is the similarity of two different exact values.
	MismatchFloor float64 `mapstructure:"mismatch-floor" json:"mismatchFloor,omitempty"`
}

// ConfigurationError reports an unusable weight table. It is meant to stop the
// process at start-up.
type ConfigurationError struct {
	Dimension string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Dimension == "" {
		return fmt.Sprintf("weight table: %s", e.Reason)
	}
	return fmt.Sprintf("weight table: dimension %q: %s", e.Dimension, e.Reason)
}

// WeightTable is the validated, immutable set of weights used by the scorer.
type WeightTable struct {
	rows   []DimensionWeight
	scales []map[string]int
}

// NewWeightTable validates rows and freezes them in the given order.
func NewWeightTable(rows []DimensionWeight) (*WeightTable, error) {
	if len(rows) == 0 {
		return nil, &ConfigurationError{Reason: "no dimensions configured"}
	}

	t := &WeightTable{
		rows:   make([]DimensionWeight, 0, len(rows)),
		scales: make([]map[string]int, 0, len(rows)),
	}
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		row.Dimension = strings.TrimSpace(row.Dimension)
		if row.Dimension == "" {
			return nil, &ConfigurationError{Reason: "dimension name is required"}
		}
		if _, dup := seen[row.Dimension]; dup {
			return nil, &ConfigurationError{Dimension: row.Dimension, Reason: "configured twice"}
		}
		seen[row.Dimension] = struct{}{}

		if row.Weight < 0 || math.IsNaN(row.Weight) || math.IsInf(row.Weight, 0) {
			return nil, &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("weight %v must be a non-negative number", row.Weight)}
		}

		var scale map[string]int
		switch row.Comparison {
		case Exact:
			if row.MismatchFloor < 0 || row.MismatchFloor > 1 {
				return nil, &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("mismatch floor %v outside [0,1]", row.MismatchFloor)}
			}
		case Ordinal:
			if len(row.Scale) < 2 {
				return nil, &ConfigurationError{Dimension: row.Dimension, Reason: "ordinal scale needs at least two values"}
			}
			scale = make(map[string]int, len(row.Scale))
			canonical := make([]string, len(row.Scale))
			for i, v := range row.Scale {
				c := profile.Canonical(v)
				if _, dup := scale[c]; dup || c == "" {
					return nil, &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("invalid scale value %q", v)}
				}
				scale[c] = i
				canonical[i] = c
			}
			row.Scale = canonical
		case SetOverlap:
		default:
			return nil, &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("unknown comparison %q", row.Comparison)}
		}

		t.rows = append(t.rows, row)
		t.scales = append(t.scales, scale)
	}

	return t, nil
}

// Rows returns a copy of the table rows in scoring order.
func (t *WeightTable) Rows() []DimensionWeight {
	out := make([]DimensionWeight, len(t.rows))
	for i, r := range t.rows {
		r.Scale = append([]string(nil), r.Scale...)
		out[i] = r
	}
	return out
}

func (t *WeightTable) Len() int { return len(t.rows) }

// Validate checks every row against the questionnaire. A row must name a
// dimension exactly as the questionnaire does, must not score free text, and
// an ordinal scale may only list the dimension's single-choice options.
func (t *WeightTable) Validate(schema *profile.Schema) error {
	if schema == nil {
		return &ConfigurationError{Reason: "questionnaire schema is required"}
	}

	for _, row := range t.rows {
		spec, ok := schema.Lookup(row.Dimension)
		if !ok {
			return &ConfigurationError{Dimension: row.Dimension, Reason: "not a questionnaire dimension"}
		}
		if spec.Name != row.Dimension {
			return &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("use the questionnaire name %q", spec.Name)}
		}
		if spec.Type == profile.AnswerText {
			return &ConfigurationError{Dimension: row.Dimension, Reason: "free-text dimensions cannot be scored"}
		}

		if row.Comparison != Ordinal {
			continue
		}
		if spec.Type != profile.AnswerSingle {
			return &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("ordinal comparison needs a single-choice dimension, got %s", spec.Type)}
		}
		for _, v := range row.Scale {
			if !slices.Contains(spec.Options, v) {
				return &ConfigurationError{Dimension: row.Dimension, Reason: fmt.Sprintf("scale value %q is not an option (%s)", v, strings.Join(spec.Options, ", "))}
			}
		}
	}

	return nil
}
