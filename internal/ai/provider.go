package ai

import (
	"context"
	"strings"
	"time"

	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/scoring"
)

// Confidence is a coarse trust label for an enhanced score.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence accepts any casing of the three labels.
func ParseConfidence(s string) (Confidence, bool) {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(s))); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c, true
	}
	return "", false
}

// Downgrade returns the next lower label. Low stays low.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Request is everything a provider needs to assess one pair.
type Request struct {
	Applicant     *profile.PreferenceProfile
	Mentor        *profile.PreferenceProfile
	BaseScore     float64
	Contributions []scoring.Contribution
}

// Analysis is the validated result of one successful provider call.
type Analysis struct {
	EnhancedScore   float64       `json:"enhancedScore"`
	Analysis        string        `json:"analysis"`
	Confidence      Confidence    `json:"confidence"`
	Recommendations []string      `json:"recommendations"`
	Strengths       []string      `json:"strengths"`
	Concerns        []string      `json:"concerns"`
	Provider        string        `json:"provider"`
	Model           string        `json:"model,omitempty"`
	Latency         time.Duration `json:"latency"`
	// ResponseHash is the hex SHA-256 of the raw provider response.
	ResponseHash string `json:"responseHash"`
}

// Provider is one external language-model service. Implementations return
// *Error values so callers can tell retryable failures from permanent ones.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Analysis, error)
	// Probe is a cheap reachability check used by the health prober.
	Probe(ctx context.Context) error
}
