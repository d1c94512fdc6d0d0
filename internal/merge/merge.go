package merge

import (
	"math"

	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/scoring"
)

// Status is the lifecycle state of a match record.
type Status string

const (
	StatusPending           Status = "pending"
	StatusEnhanced          Status = "enhanced"
	StatusEnhancementFailed Status = "enhancement-failed"
)

// Reasons explain the status of a decision.
const (
	ReasonEnhanced         = "enhanced-within-bound"
	ReasonDisabled         = "enhancement-disabled"
	ReasonInsufficientData = "insufficient-data"
	ReasonUnavailable      = "enhancement-unavailable"
	ReasonCancelled        = "enhancement-cancelled"
	ReasonAnomalous        = "anomalous-enhanced-score"
)

type Config struct {
	// MaxDeviation is the largest accepted |enhanced - base|.
	MaxDeviation float64 `mapstructure:"max-deviation"`
	// NearLimitRatio of MaxDeviation above which confidence is downgraded.
	NearLimitRatio float64 `mapstructure:"near-limit-ratio"`
}

func DefaultConfig() Config {
	return Config{MaxDeviation: 2.5, NearLimitRatio: 0.8}
}

// Input describes what the enhancement step produced.
type Input struct {
	Base      *float64
	Analysis  *ai.Analysis
	Attempted bool
	Cancelled bool
}

// Decision is the merged outcome for a match.
type Decision struct {
	FinalScore *float64      `json:"finalScore"`
	Confidence ai.Confidence `json:"confidence"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason"`
	// Accepted is true when the analysis score became the final score.
	Accepted  bool    `json:"accepted"`
	Deviation float64 `json:"deviation,omitempty"`
}

type Merger struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Merger {
	d := DefaultConfig()
	if cfg.MaxDeviation <= 0 {
		cfg.MaxDeviation = d.MaxDeviation
	}
	if cfg.NearLimitRatio <= 0 || cfg.NearLimitRatio > 1 {
		cfg.NearLimitRatio = d.NearLimitRatio
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{cfg: cfg, logger: logger}
}

func (m *Merger) Config() Config { return m.cfg }

// Merge combines the base score with an optional analysis. The result depends
// only on in and the merger config.
func (m *Merger) Merge(in Input) Decision {
	base := copyScore(in.Base)

	if base == nil {
		if in.Analysis != nil {
			m.logger.Warn("discarding analysis for a pair without a base score",
				zap.String("provider", in.Analysis.Provider),
				zap.Float64("enhanced_score", in.Analysis.EnhancedScore),
			)
		}
		return Decision{Confidence: ai.ConfidenceLow, Status: StatusPending, Reason: ReasonInsufficientData}
	}

	if in.Analysis == nil {
		d := Decision{FinalScore: base, Confidence: ai.ConfidenceLow}
		switch {
		case in.Cancelled:
			d.Status, d.Reason = StatusEnhancementFailed, ReasonCancelled
		case in.Attempted:
			d.Status, d.Reason = StatusEnhancementFailed, ReasonUnavailable
		default:
			d.Status, d.Reason = StatusPending, ReasonDisabled
		}
		return d
	}

	enhanced := in.Analysis.EnhancedScore
	deviation := math.Abs(enhanced - *base)

	if math.IsNaN(enhanced) || deviation > m.cfg.MaxDeviation {
		m.logger.Warn("discarding anomalous enhanced score",
			zap.String("provider", in.Analysis.Provider),
			zap.Float64("base_score", *base),
			zap.Float64("enhanced_score", enhanced),
			zap.Float64("max_deviation", m.cfg.MaxDeviation),
		)
		return Decision{
			FinalScore: base,
			Confidence: ai.ConfidenceLow,
			Status:     StatusEnhancementFailed,
			Reason:     ReasonAnomalous,
			Deviation:  deviation,
		}
	}

	confidence := in.Analysis.Confidence
	if _, ok := ai.ParseConfidence(string(confidence)); !ok {
		confidence = ai.ConfidenceLow
	}
	if deviation >= m.cfg.NearLimitRatio*m.cfg.MaxDeviation {
		confidence = confidence.Downgrade()
	}

	final := clamp(enhanced)
	return Decision{
		FinalScore: &final,
		Confidence: confidence,
		Status:     StatusEnhanced,
		Reason:     ReasonEnhanced,
		Accepted:   true,
		Deviation:  deviation,
	}
}

func copyScore(s *float64) *float64 {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(scoring.MaxScore, v))
}
