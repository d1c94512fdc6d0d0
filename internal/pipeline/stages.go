package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/logger"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/metrics"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
	"github.com/spigell/mentor-matcher/internal/scoring"
	"github.com/spigell/mentor-matcher/internal/telemetry"
)

const (
	StageNormalize = "normalize"
	StageScore     = "score"
	StageEnhance   = "enhance"
	StageMerge     = "merge"
	StageBuild     = "build"
	StagePersist   = "persist"
	StageNotify    = "notify"
)

// OptionalStages can be switched off without breaking the record.
var OptionalStages = []string{StageEnhance, StagePersist, StageNotify}

// ErrInvalidSubmission marks input that cannot be turned into a profile.
var ErrInvalidSubmission = errors.New("invalid submission")

// toggle holds the disable reason, nil while enabled. Safe for concurrent use.
type toggle struct {
	disabled atomic.Pointer[string]
}

func (t *toggle) Disable(reason string) { t.disabled.Store(&reason) }

func (t *toggle) IsEnabled() bool { return t.disabled.Load() == nil }

func (t *toggle) Reason() string {
	if r := t.disabled.Load(); r != nil {
		return *r
	}
	return ""
}

type normalizeStage struct {
	toggle
	normalizer *profile.Normalizer
}

func newNormalizeStage(n *profile.Normalizer) Stage {
	return &normalizeStage{normalizer: n}
}

func (s *normalizeStage) Name() string { return StageNormalize }

func (s *normalizeStage) Apply(_ context.Context, m *Match) error {
	var err error
	if m.Applicant, err = s.resolve(m.Applicant, m.ApplicantSubmission, profile.KindApplicant); err != nil {
		return err
	}
	if m.Mentor, err = s.resolve(m.Mentor, m.MentorSubmission, profile.KindMentor); err != nil {
		return err
	}

	m.logger = m.logger.With(logger.PairFields(m.Applicant.Ref(), m.Mentor.Ref())...)

	for _, p := range []*profile.PreferenceProfile{m.Applicant, m.Mentor} {
		if p.Incomplete() {
			m.logger.Info("profile is incomplete",
				zap.String("kind", string(p.Kind())),
				zap.Strings("missing", p.Missing()),
			)
		}
	}
	return nil
}

func (s *normalizeStage) resolve(p *profile.PreferenceProfile, sub *profile.Submission, kind profile.Kind) (*profile.PreferenceProfile, error) {
	if p == nil {
		if sub == nil {
			return nil, fmt.Errorf("%w: %s profile is required", ErrInvalidSubmission, kind)
		}
		raw := *sub
		if raw.Kind == "" {
			raw.Kind = kind
		}
		normalized, err := s.normalizer.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w: %w", kind, ErrInvalidSubmission, err)
		}
		p = normalized
	}

	if p.Kind() != kind {
		return nil, fmt.Errorf("%w: expected %s profile, got %q for %s", ErrInvalidSubmission, kind, p.Kind(), p.Ref())
	}
	return p, nil
}

func (s *normalizeStage) Status() Status {
	details := map[string]string{
		"dimensions": strconv.Itoa(len(s.normalizer.Schema().Dimensions())),
	}
	return Status{Name: s.Name(), Enabled: s.IsEnabled(), Reason: s.Reason(), Details: details}
}

type scoreStage struct {
	toggle
	scorer *scoring.Scorer
}

func newScoreStage(scorer *scoring.Scorer) Stage {
	return &scoreStage{scorer: scorer}
}

func (s *scoreStage) Name() string { return StageScore }

func (s *scoreStage) Apply(_ context.Context, m *Match) error {
	m.Score = s.scorer.Score(m.Applicant, m.Mentor)

	score, ok := m.Score.Value()
	if !ok {
		m.logger.Info("profiles share no comparable dimensions",
			zap.Int("compared", len(m.Score.Contributions)),
		)
		return nil
	}

	metrics.BaseScores.Observe(score)
	m.logger.Debug("base score computed",
		zap.Float64("base_score", score),
		zap.Int("compared", len(m.Score.Contributions)),
	)
	return nil
}

func (s *scoreStage) Status() Status {
	details := map[string]string{
		"weighted_dimensions": strconv.Itoa(s.scorer.Table().Len()),
	}
	return Status{Name: s.Name(), Enabled: s.IsEnabled(), Reason: s.Reason(), Details: details}
}

type enhanceStage struct {
	toggle
	enhancer Enhancer
}

func newEnhanceStage(e Enhancer) Stage {
	s := &enhanceStage{enhancer: e}
	if e == nil || !e.Enabled() {
		s.Disable("no providers configured")
	}
	return s
}

func (s *enhanceStage) Name() string { return StageEnhance }

func (s *enhanceStage) Apply(ctx context.Context, m *Match) error {
	base, ok := m.Score.Value()
	if !ok {
		m.logger.Debug("skipping enhancement without a base score")
		return nil
	}

	out := s.enhancer.Analyze(ctx, ai.Request{
		Applicant:     m.Applicant,
		Mentor:        m.Mentor,
		BaseScore:     base,
		Contributions: m.Score.Contributions,
	})
	m.Enhancement = &out

	if out.Err != nil && !out.Cancelled {
		m.logger.Warn("enhancement failed",
			zap.Int("attempts", len(out.Attempts)),
			zap.Error(out.Err),
		)
	}
	return nil
}

func (s *enhanceStage) Status() Status {
	details := map[string]string{}
	if s.enhancer != nil {
		details["providers"] = strings.Join(s.enhancer.Providers(), ",")
	}
	return Status{Name: s.Name(), Enabled: s.IsEnabled(), Reason: s.Reason(), Details: details}
}

type mergeStage struct {
	toggle
	merger *merge.Merger
}

func newMergeStage(merger *merge.Merger) Stage {
	return &mergeStage{merger: merger}
}

func (s *mergeStage) Name() string { return StageMerge }

func (s *mergeStage) Apply(_ context.Context, m *Match) error {
	in := merge.Input{Base: m.Score.Score}
	if out := m.Enhancement; out != nil {
		in.Attempted = true
		in.Analysis = out.Analysis
		in.Cancelled = out.Cancelled
	}

	m.Decision = s.merger.Merge(in)
	if in.Analysis != nil && !m.Decision.Accepted {
		metrics.EnhancementsDiscarded.WithLabelValues(m.Decision.Reason).Inc()
	}
	return nil
}

func (s *mergeStage) Status() Status {
	cfg := s.merger.Config()
	details := map[string]string{
		"max_deviation":    strconv.FormatFloat(cfg.MaxDeviation, 'f', 2, 64),
		"near_limit_ratio": strconv.FormatFloat(cfg.NearLimitRatio, 'f', 2, 64),
	}
	return Status{Name: s.Name(), Enabled: s.IsEnabled(), Reason: s.Reason(), Details: details}
}

type buildStage struct {
	toggle
	builder *record.Builder
}

func newBuildStage(b *record.Builder) Stage {
	return &buildStage{builder: b}
}

func (s *buildStage) Name() string { return StageBuild }

func (s *buildStage) Apply(_ context.Context, m *Match) error {
	rec, err := s.builder.Build(record.Input{
		Applicant:   m.Applicant,
		Mentor:      m.Mentor,
		Score:       m.Score,
		Enhancement: m.Enhancement,
		Decision:    m.Decision,
	})
	if err != nil {
		return fmt.Errorf("build record: %w", err)
	}

	m.Record = rec
	m.logger = m.logger.With(zap.String("record", rec.ID))
	metrics.MatchesTotal.WithLabelValues(string(rec.Status)).Inc()
	return nil
}

type persistStage struct {
	toggle
	store Recorder
}

func newPersistStage(store Recorder) Stage {
	s := &persistStage{store: store}
	if store == nil {
		s.Disable("store is not configured")
	}
	return s
}

func (s *persistStage) Name() string { return StagePersist }

// Apply saves the record even when ctx is already cancelled, so an aborted
// enhancement still leaves a record behind.
func (s *persistStage) Apply(ctx context.Context, m *Match) error {
	if m.Record.ID == "" {
		return errors.New("record was not built")
	}
	if err := s.store.Save(context.WithoutCancel(ctx), m.Record); err != nil {
		return fmt.Errorf("save record %s: %w", m.Record.ID, err)
	}
	return nil
}

func (s *persistStage) Status() Status {
	return Status{Name: s.Name(), Enabled: s.IsEnabled(), Reason: s.Reason()}
}

type notifyStage struct {
	toggle
	notifier Notifier
}

func newNotifyStage(n Notifier) Stage {
	s := &notifyStage{notifier: n}
	if n == nil {
		s.Disable("notifier is not configured")
	}
	return s
}

func (s *notifyStage) Name() string { return StageNotify }

// Apply publishes the creation of the record as pending and, when the final
// status differs, the transition to it. Publish failures are only logged.
func (s *notifyStage) Apply(ctx context.Context, m *Match) error {
	ctx = context.WithoutCancel(ctx)
	rec := m.Record

	transitions := []telemetry.Transition{{Record: rec.ID, To: merge.StatusPending, At: rec.CreatedAt}}
	if rec.Status != merge.StatusPending {
		transitions = append(transitions, telemetry.Transition{
			Record: rec.ID,
			From:   merge.StatusPending,
			To:     rec.Status,
			At:     rec.CreatedAt,
		})
	}

	for _, t := range transitions {
		if err := s.notifier.PublishTransition(ctx, t); err != nil {
			m.logger.Warn("publishing status transition failed",
				zap.String("to", string(t.To)),
				zap.Error(err),
			)
			return nil
		}
	}
	return nil
}

func (s *notifyStage) Status() Status {
	return Status{Name: s.Name(), Enabled: s.IsEnabled(), Reason: s.Reason()}
}
