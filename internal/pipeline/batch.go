package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
)

const DefaultConcurrency = 4

// Pair is one applicant/mentor combination of a batch.
type Pair struct {
	Applicant profile.Submission `json:"applicant" yaml:"applicant"`
	Mentor    profile.Submission `json:"mentor" yaml:"mentor"`
}

// BatchResult is the outcome of one pair. Index points into the input slice.
type BatchResult struct {
	Index     int                 `json:"index"`
	Applicant profile.Ref         `json:"applicant"`
	Mentor    profile.Ref         `json:"mentor"`
	Record    *record.MatchRecord `json:"record,omitempty"`
	Err       error               `json:"-"`
}

// MatchBatch computes independent pairs concurrently. A failing pair never
// stops the others; pairs not yet started when ctx is done report ctx.Err().
func (p *Pipeline) MatchBatch(ctx context.Context, pairs []Pair, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]BatchResult, len(pairs))

	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, pair := range pairs {
		results[i] = BatchResult{Index: i, Applicant: pair.Applicant.Ref(), Mentor: pair.Mentor.Ref()}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}

			rec, err := p.MatchSubmissions(ctx, pair.Applicant, pair.Mentor)
			if err != nil {
				p.logger.Warn("match failed",
					zap.Int("index", i),
					zap.String("applicant", pair.Applicant.Ref().String()),
					zap.String("mentor", pair.Mentor.Ref().String()),
					zap.Error(err),
				)
				results[i].Err = err
				return nil
			}
			results[i].Record = &rec
			return nil
		})
	}

	_ = g.Wait()

	return results
}
