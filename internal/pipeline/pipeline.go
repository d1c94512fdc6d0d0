package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/logger"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/orchestrator"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
	"github.com/spigell/mentor-matcher/internal/scoring"
	"github.com/spigell/mentor-matcher/internal/telemetry"
)

// Stage is a single step of a match computation.
type Stage interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Apply(ctx context.Context, m *Match) error
}

// Status represents runtime information about a stage.
type Status struct {
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type statusProvider interface {
	Status() Status
}

// Enhancer produces an AI analysis for a scored pair.
type Enhancer interface {
	Enabled() bool
	Providers() []string
	Analyze(ctx context.Context, req ai.Request) orchestrator.Outcome
}

// Recorder persists finished records.
type Recorder interface {
	Save(ctx context.Context, rec record.MatchRecord) error
}

// Notifier receives status transitions of new records.
type Notifier interface {
	PublishTransition(ctx context.Context, t telemetry.Transition) error
}

// Match is the state passed through the stages.
type Match struct {
	ApplicantSubmission *profile.Submission
	MentorSubmission    *profile.Submission

	Applicant *profile.PreferenceProfile
	Mentor    *profile.PreferenceProfile

	Score       scoring.Result
	Enhancement *orchestrator.Outcome
	Decision    merge.Decision
	Record      record.MatchRecord

	logger *zap.Logger
}

// Deps aggregates what the stages need. Normalizer, Scorer, Merger and Builder
// are required; the rest disable their stage when nil.
type Deps struct {
	Normalizer *profile.Normalizer
	Scorer     *scoring.Scorer
	Enhancer   Enhancer
	Merger     *merge.Merger
	Builder    *record.Builder
	Store      Recorder
	Notifier   Notifier
	Logger     *zap.Logger
}

// Pipeline runs the stages sequentially for each match. Stages keep no per
// match state, so one Pipeline serves concurrent matches.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger
}

func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case deps.Scorer == nil:
		return nil, errors.New("scorer is required")
	case deps.Merger == nil:
		return nil, errors.New("merger is required")
	case deps.Builder == nil:
		return nil, errors.New("record builder is required")
	}

	log := logger.WithFields(deps.Logger)

	stages := []Stage{
		newNormalizeStage(deps.Normalizer),
		newScoreStage(deps.Scorer),
		newEnhanceStage(deps.Enhancer),
		newMergeStage(deps.Merger),
		newBuildStage(deps.Builder),
		newPersistStage(deps.Store),
		newNotifyStage(deps.Notifier),
	}

	return &Pipeline{stages: stages, logger: log}, nil
}

// Stages returns the configured stages in execution order.
func (p *Pipeline) Stages() []Stage { return p.stages }

// DisableByName marks an optional stage as disabled while keeping it in the list.
func (p *Pipeline) DisableByName(name, reason string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !slices.Contains(OptionalStages, name) {
		return fmt.Errorf("stage %q cannot be disabled, optional stages: %s", name, strings.Join(OptionalStages, ", "))
	}

	for _, stage := range p.stages {
		if stage.Name() == name {
			stage.Disable(reason)
			p.logger.Info("stage disabled", zap.String("name", name), zap.String("reason", reason))
		}
	}
	return nil
}

// Match computes a record for two already normalised profiles.
func (p *Pipeline) Match(ctx context.Context, applicant, mentor *profile.PreferenceProfile) (record.MatchRecord, error) {
	m := &Match{Applicant: applicant, Mentor: mentor}
	if err := p.Run(ctx, m); err != nil {
		return record.MatchRecord{}, err
	}
	return m.Record, nil
}

// MatchSubmissions normalises two raw submissions and computes their record.
func (p *Pipeline) MatchSubmissions(ctx context.Context, applicant, mentor profile.Submission) (record.MatchRecord, error) {
	m := &Match{ApplicantSubmission: &applicant, MentorSubmission: &mentor}
	if err := p.Run(ctx, m); err != nil {
		return record.MatchRecord{}, err
	}
	return m.Record, nil
}

// Run executes the enabled stages in order and stops at the first error.
func (p *Pipeline) Run(ctx context.Context, m *Match) error {
	m.logger = p.logger
	for _, stage := range p.stages {
		if !stage.IsEnabled() {
			m.logger.Debug("stage disabled", zap.String("name", stage.Name()))
			continue
		}

		started := time.Now()
		if err := stage.Apply(ctx, m); err != nil {
			return fmt.Errorf("%s: %w", stage.Name(), err)
		}

		m.logger.Debug("pipeline step",
			zap.String("name", stage.Name()),
			zap.Duration("took", time.Since(started)),
		)
	}

	m.logger.Info("match computed",
		zap.String("record", m.Record.ID),
		zap.String("status", string(m.Record.Status)),
		zap.String("reason", m.Record.Reason),
	)
	return nil
}

// Describe returns status entries for the stages.
func (p *Pipeline) Describe() []Status {
	statuses := make([]Status, 0, len(p.stages))
	for _, stage := range p.stages {
		if reporter, ok := stage.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    stage.Name(),
			Enabled: stage.IsEnabled(),
		})
	}
	return statuses
}
