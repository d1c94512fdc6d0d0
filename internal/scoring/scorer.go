package scoring

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/spigell/mentor-matcher/internal/profile"
)

// MaxScore is the top of the compatibility scale.
const MaxScore = 10.0

// ErrNoOverlap is reported when two profiles share no comparable dimension.
var ErrNoOverlap = errors.New("no comparable dimensions")

// Contribution is the outcome of comparing one dimension.
type Contribution struct {
	Dimension  string     `json:"dimension"`
	Comparison Comparison `json:"comparison"`
	Similarity float64    `json:"similarity"`
	Weight     float64    `json:"weight"`
	Weighted   float64    `json:"weightedContribution"`
}

// Result is a freshly computed compatibility score.
type Result struct {
	// Score is nil when nothing could be compared.
	Score         *float64       `json:"score"`
	NoOverlap     bool           `json:"noOverlap"`
	Contributions []Contribution `json:"contributions"`
	ComputedAt    time.Time      `json:"computedAt"`
}

// Value returns the score and whether one exists.
func (r Result) Value() (float64, bool) {
	if r.Score == nil {
		return 0, false
	}
	return *r.Score, true
}

// Err returns ErrNoOverlap for results without a score.
func (r Result) Err() error {
	if r.NoOverlap {
		return ErrNoOverlap
	}
	return nil
}

type Scorer struct {
	table *WeightTable
	now   func() time.Time
}

type Option func(*Scorer)

// WithClock replaces the clock used for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScorer(table *WeightTable, opts ...Option) *Scorer {
	s := &Scorer{table: table, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) Table() *WeightTable { return s.table }

// Score compares two profiles. Apart from ComputedAt the result depends only
// on the profiles and the weight table.
func (s *Scorer) Score(a, b *profile.PreferenceProfile) Result {
	score, contributions := Compute(a, b, s.table)
	return Result{
		Score:         score,
		NoOverlap:     score == nil,
		Contributions: contributions,
		ComputedAt:    s.now().UTC(),
	}
}

// Compute is the weighted mean of per-dimension similarities scaled to
// [0, MaxScore]. Dimensions answered by only one side, values outside an
// ordinal scale and dimensions missing from the table do not count.
func Compute(a, b *profile.PreferenceProfile, table *WeightTable) (*float64, []Contribution) {
	if a == nil || b == nil || table == nil {
		return nil, nil
	}

	var (
		contributions []Contribution
		weighted      float64
		total         float64
	)

	for i, row := range table.rows {
		av, okA := a.Answer(row.Dimension)
		bv, okB := b.Answer(row.Dimension)
		if !okA || !okB {
			continue
		}

		sim, ok := similarity(row, table.scales[i], av, bv)
		if !ok {
			continue
		}

		contributions = append(contributions, Contribution{
			Dimension:  row.Dimension,
			Comparison: row.Comparison,
			Similarity: sim,
			Weight:     row.Weight,
			Weighted:   sim * row.Weight,
		})
		weighted += sim * row.Weight
		total += row.Weight
	}

	if total == 0 {
		return nil, contributions
	}

	score := clamp(weighted / total * MaxScore)
	return &score, contributions
}

func similarity(row DimensionWeight, scale map[string]int, a, b profile.Answer) (float64, bool) {
	switch row.Comparison {
	case Exact:
		if key(a) == key(b) {
			return 1, true
		}
		return row.MismatchFloor, true
	case Ordinal:
		if a.Value == "" || b.Value == "" {
			return 0, false
		}
		ia, okA := scale[a.Value]
		ib, okB := scale[b.Value]
		if !okA || !okB {
			return 0, false
		}
		steps := math.Abs(float64(ia - ib))
		return 1 - steps/float64(len(scale)-1), true
	case SetOverlap:
		return jaccard(set(a), set(b))
	}
	return 0, false
}

func key(a profile.Answer) string {
	if len(a.Values) > 0 {
		return strings.Join(a.Values, "\x00")
	}
	return a.Value
}

func set(a profile.Answer) []string {
	if len(a.Values) > 0 {
		slices.Sort(a.Values)
		return slices.Compact(a.Values)
	}
	if a.Value != "" {
		return []string{a.Value}
	}
	return nil
}

// jaccard expects sorted, deduplicated inputs.
func jaccard(a, b []string) (float64, bool) {
	if len(a) == 0 && len(b) == 0 {
		return 0, false
	}

	shared := 0
	for _, v := range a {
		if _, found := slices.BinarySearch(b, v); found {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union), true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > MaxScore:
		return MaxScore
	}
	return v
}
