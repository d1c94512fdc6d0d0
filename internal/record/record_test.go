package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/orchestrator"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/scoring"
)

var (
	fixedNow  = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	scoredAt  = fixedNow.Add(-time.Second)
	callStart = fixedNow.Add(-800 * time.Millisecond)
)

func testBuilder() *Builder {
	return NewBuilder(
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "rec-1" }),
	)
}

func profiles() (*profile.PreferenceProfile, *profile.PreferenceProfile) {
	a := profile.New(profile.Ref{ID: "a-1", Version: 2}, profile.KindApplicant, profile.Single("autonomy", "high"))
	m := profile.New(profile.Ref{ID: "m-1", Version: 5}, profile.KindMentor, profile.Single("autonomy", "medium"))
	return a, m
}

func ptr(v float64) *float64 { return &v }

func TestBuildEnhancedRecord(t *testing.T) {
	a, m := profiles()
	analysis := &ai.Analysis{EnhancedScore: 6, Confidence: ai.ConfidenceHigh, Provider: "gemini", ResponseHash: "abc"}

	rec, err := testBuilder().Build(Input{
		Applicant: a,
		Mentor:    m,
		Score: scoring.Result{
			Score:         ptr(5),
			Contributions: []scoring.Contribution{{Dimension: "autonomy", Similarity: 0.5, Weight: 1, Weighted: 0.5}},
			ComputedAt:    scoredAt,
		},
		Enhancement: &orchestrator.Outcome{
			Analysis:     analysis,
			Provider:     "gemini",
			TotalLatency: 900 * time.Millisecond,
			Attempts: []orchestrator.Attempt{
				{Provider: "gemini", Number: 1, Outcome: "transient", StartedAt: callStart.Add(-time.Second), Latency: 100 * time.Millisecond},
				{Provider: "gemini", Number: 2, Outcome: "success", StartedAt: callStart, Latency: 300 * time.Millisecond},
			},
		},
		Decision: merge.Decision{FinalScore: ptr(6), Confidence: ai.ConfidenceHigh, Status: merge.StatusEnhanced, Reason: merge.ReasonEnhanced, Accepted: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.ID != "rec-1" || !rec.CreatedAt.Equal(fixedNow) || !rec.ScoredAt.Equal(scoredAt) {
		t.Fatalf("unexpected identity/timestamps: %+v", rec)
	}
	if rec.Applicant.String() != "a-1@v2" || rec.Mentor.String() != "m-1@v5" {
		t.Fatalf("unexpected refs %s %s", rec.Applicant, rec.Mentor)
	}
	if *rec.BaseScore != 5 || *rec.Final != 6 || rec.Status != merge.StatusEnhanced {
		t.Fatalf("unexpected scores/status: base=%v final=%v status=%s", *rec.BaseScore, *rec.Final, rec.Status)
	}
	if rec.Analysis == nil || rec.Analysis.ResponseHash != "abc" {
		t.Fatalf("expected accepted analysis to be kept")
	}
	if rec.Audit.Provider != "gemini" || rec.Audit.Attempts != 2 || rec.Audit.TotalLatency != 900*time.Millisecond {
		t.Fatalf("unexpected audit: %+v", rec.Audit)
	}
	if rec.AnalyzedAt == nil || !rec.AnalyzedAt.Equal(callStart.Add(300*time.Millisecond)) {
		t.Fatalf("unexpected analyzedAt %v", rec.AnalyzedAt)
	}

	analysis.EnhancedScore = 1
	if rec.Analysis.EnhancedScore != 6 {
		t.Fatal("record shares analysis memory with the outcome")
	}
}

func TestBuildDropsRejectedAnalysis(t *testing.T) {
	a, m := profiles()

	rec, err := testBuilder().Build(Input{
		Applicant: a,
		Mentor:    m,
		Score:     scoring.Result{Score: ptr(5)},
		Enhancement: &orchestrator.Outcome{
			Analysis: &ai.Analysis{EnhancedScore: 9.5, Provider: "gemini"},
			Provider: "gemini",
			Attempts: []orchestrator.Attempt{{Provider: "gemini", Number: 1, Outcome: "success", StartedAt: callStart}},
		},
		Decision: merge.Decision{FinalScore: ptr(5), Confidence: ai.ConfidenceLow, Status: merge.StatusEnhancementFailed, Reason: merge.ReasonAnomalous},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Analysis != nil {
		t.Fatalf("rejected analysis must not be stored as the record's analysis")
	}
	if rec.Reason != merge.ReasonAnomalous || rec.Audit.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestBuildWithoutEnhancement(t *testing.T) {
	a, m := profiles()

	rec, err := testBuilder().Build(Input{
		Applicant: a,
		Mentor:    m,
		Score:     scoring.Result{NoOverlap: true},
		Decision:  merge.Decision{Confidence: ai.ConfidenceLow, Status: merge.StatusPending, Reason: merge.ReasonInsufficientData},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.BaseScore != nil || rec.Final != nil || !rec.NoOverlap {
		t.Fatalf("expected no scores for a no-overlap pair: %+v", rec)
	}
	if rec.AnalyzedAt != nil || rec.Audit.Attempts != 0 {
		t.Fatalf("expected empty audit: %+v", rec.Audit)
	}
}

func TestBuildRecordsExhaustion(t *testing.T) {
	a, m := profiles()

	rec, err := testBuilder().Build(Input{
		Applicant:   a,
		Mentor:      m,
		Score:       scoring.Result{Score: ptr(3)},
		Enhancement: &orchestrator.Outcome{Err: errors.New("all providers failed: gemini: 4 attempt(s)")},
		Decision:    merge.Decision{FinalScore: ptr(3), Confidence: ai.ConfidenceLow, Status: merge.StatusEnhancementFailed, Reason: merge.ReasonUnavailable},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Audit.Error == "" || rec.AnalyzedAt == nil || !rec.AnalyzedAt.Equal(fixedNow) {
		t.Fatalf("unexpected audit: %+v analyzedAt=%v", rec.Audit, rec.AnalyzedAt)
	}
}

func TestBuildRequiresProfiles(t *testing.T) {
	if _, err := testBuilder().Build(Input{}); err == nil {
		t.Fatal("expected error without profiles")
	}
}

func TestBuildDefaultsToUUIDs(t *testing.T) {
	a, m := profiles()
	b := NewBuilder()

	first, _ := b.Build(Input{Applicant: a, Mentor: m})
	second, _ := b.Build(Input{Applicant: a, Mentor: m})
	if len(first.ID) != 36 || first.ID == second.ID {
		t.Fatalf("expected distinct UUIDs, got %q and %q", first.ID, second.ID)
	}
}

func TestWithNoteAppendsOnly(t *testing.T) {
	rec := MatchRecord{
		ID:       "rec-1",
		Final:    ptr(6),
		Analysis: &ai.Analysis{EnhancedScore: 6},
		Notes:    []Note{{Author: "ops", Text: "first"}},
	}

	updated, err := rec.WithNote(Note{Text: "  override: strong fit  ", CreatedAt: fixedNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rec.Notes) != 1 {
		t.Fatalf("original record must not change")
	}
	if len(updated.Notes) != 2 || updated.Notes[1].Text != "override: strong fit" || updated.Notes[1].Author != "anonymous" {
		t.Fatalf("unexpected notes %+v", updated.Notes)
	}
	if *updated.Final != 6 || updated.Analysis.EnhancedScore != 6 {
		t.Fatal("notes must not touch AI-derived fields")
	}

	if _, err := rec.WithNote(Note{Text: "   "}); err == nil {
		t.Fatal("expected empty note to be rejected")
	}
}

func TestRecordJSONKeepsSnapshots(t *testing.T) {
	a, m := profiles()
	rec, _ := testBuilder().Build(Input{Applicant: a, Mentor: m, Score: scoring.Result{Score: ptr(5)}})

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored MatchRecord
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ans, ok := restored.Snapshots.Mentor.Answer("autonomy")
	if !ok || ans.Value != "medium" || restored.Snapshots.Applicant.Ref() != a.Ref() {
		t.Fatalf("snapshots lost in round trip: %s", data)
	}
}
