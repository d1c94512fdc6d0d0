package record

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/orchestrator"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/scoring"
)

// Audit describes how the enhancement was obtained.
type Audit struct {
	Provider     string                 `json:"provider,omitempty"`
	Attempts     int                    `json:"attempts"`
	TotalLatency time.Duration          `json:"totalLatency"`
	Trail        []orchestrator.Attempt `json:"trail,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// ErrEmptyNote rejects review notes without text.
var ErrEmptyNote = errors.New("note text is required")

// Note is a human review entry. Notes are only ever appended.
type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MatchRecord is the durable output of one match computation.
type MatchRecord struct {
	ID         string                 `json:"id"`
	Applicant  profile.Ref            `json:"applicant"`
	Mentor     profile.Ref            `json:"mentor"`
	Snapshots  Snapshots              `json:"snapshots"`
	BaseScore  *float64               `json:"baseScore"`
	NoOverlap  bool                   `json:"noOverlap"`
	Breakdown  []scoring.Contribution `json:"breakdown"`
	Analysis   *ai.Analysis           `json:"analysis,omitempty"`
	Final      *float64               `json:"finalScore"`
	Confidence ai.Confidence          `json:"confidence"`
	Status     merge.Status           `json:"status"`
	Reason     string                 `json:"statusReason"`
	Audit      Audit                  `json:"audit"`
	ScoredAt   time.Time              `json:"scoredAt"`
	// AnalyzedAt is set when an enhancement was attempted.
	AnalyzedAt *time.Time `json:"analyzedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Notes      []Note     `json:"notes,omitempty"`
}

// Snapshots keep the canonical profiles the score was computed from.
type Snapshots struct {
	Applicant *profile.PreferenceProfile `json:"applicant"`
	Mentor    *profile.PreferenceProfile `json:"mentor"`
}

// WithNote returns a copy of r with n appended. AI-derived fields are shared,
// never rewritten.
func (r MatchRecord) WithNote(n Note) (MatchRecord, error) {
	n.Text = strings.TrimSpace(n.Text)
	if n.Text == "" {
		return r, ErrEmptyNote
	}
	if strings.TrimSpace(n.Author) == "" {
		n.Author = "anonymous"
	}
	notes := make([]Note, len(r.Notes), len(r.Notes)+1)
	copy(notes, r.Notes)
	r.Notes = append(notes, n)
	return r, nil
}

// Input is everything the builder assembles into a record.
type Input struct {
	Applicant   *profile.PreferenceProfile
	Mentor      *profile.PreferenceProfile
	Score       scoring.Result
	Enhancement *orchestrator.Outcome
	Decision    merge.Decision
}

// Builder assembles records without any I/O.
type Builder struct {
	now   func() time.Time
	newID func() string
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(b *Builder) {
		if newID != nil {
			b.newID = newID
		}
	}
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) Build(in Input) (MatchRecord, error) {
	if in.Applicant == nil || in.Mentor == nil {
		return MatchRecord{}, errors.New("both profiles are required")
	}

	now := b.now().UTC()
	r := MatchRecord{
		ID:         b.newID(),
		Applicant:  in.Applicant.Ref(),
		Mentor:     in.Mentor.Ref(),
		Snapshots:  Snapshots{Applicant: in.Applicant, Mentor: in.Mentor},
		BaseScore:  copyScore(in.Score.Score),
		NoOverlap:  in.Score.NoOverlap,
		Breakdown:  append([]scoring.Contribution(nil), in.Score.Contributions...),
		Final:      copyScore(in.Decision.FinalScore),
		Confidence: in.Decision.Confidence,
		Status:     in.Decision.Status,
		Reason:     in.Decision.Reason,
		ScoredAt:   in.Score.ComputedAt,
		CreatedAt:  now,
	}

	if out := in.Enhancement; out != nil {
		r.Audit = Audit{
			Provider:     out.Provider,
			Attempts:     len(out.Attempts),
			TotalLatency: out.TotalLatency,
			Trail:        append([]orchestrator.Attempt(nil), out.Attempts...),
		}
		if out.Err != nil {
			r.Audit.Error = out.Err.Error()
		}
		if in.Decision.Accepted && out.Analysis != nil {
			a := *out.Analysis
			r.Analysis = &a
		}
		analyzedAt := now
		if n := len(out.Attempts); n > 0 {
			last := out.Attempts[n-1]
			analyzedAt = last.StartedAt.Add(last.Latency).UTC()
		}
		r.AnalyzedAt = &analyzedAt
	}

	return r, nil
}

func copyScore(s *float64) *float64 {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
