package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/metrics"
	"github.com/spigell/mentor-matcher/internal/orchestrator"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
	"github.com/spigell/mentor-matcher/internal/scoring"
	"github.com/spigell/mentor-matcher/internal/telemetry"
)

type fakeEnhancer struct {
	mu       sync.Mutex
	calls    []ai.Request
	inFlight int
	maxSeen  int
	delay    time.Duration
	analyze  func(req ai.Request) orchestrator.Outcome
}

func (f *fakeEnhancer) Enabled() bool { return true }

func (f *fakeEnhancer) Providers() []string { return []string{"primary", "secondary"} }

func (f *fakeEnhancer) Analyze(ctx context.Context, req ai.Request) orchestrator.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return orchestrator.Outcome{Cancelled: true, Err: ctx.Err()}
		}
	}
	if f.analyze != nil {
		return f.analyze(req)
	}
	return orchestrator.Outcome{}
}

func (f *fakeEnhancer) Calls() []ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ai.Request(nil), f.calls...)
}

type fakeStore struct {
	mu    sync.Mutex
	saved []record.MatchRecord
	err   error
}

func (f *fakeStore) Save(_ context.Context, rec record.MatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, rec)
	return nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	transitions []telemetry.Transition
	err         error
}

func (f *fakeNotifier) PublishTransition(_ context.Context, t telemetry.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.transitions = append(f.transitions, t)
	return nil
}

func analysisOutcome(score float64, confidence ai.Confidence) func(ai.Request) orchestrator.Outcome {
	return func(ai.Request) orchestrator.Outcome {
		return orchestrator.Outcome{
			Analysis: &ai.Analysis{
				EnhancedScore: score,
				Analysis:      "good fit on feedback cadence",
				Confidence:    confidence,
				Provider:      "primary",
			},
			Provider: "primary",
			Attempts: []orchestrator.Attempt{{Provider: "primary", Number: 1, Outcome: orchestrator.OutcomeSuccess}},
		}
	}
}

func testDeps(t *testing.T) Deps {
	t.Helper()

	schema, err := profile.NewSchema([]profile.DimensionSpec{
		{Name: "feedbackTiming", Type: profile.AnswerSingle, Options: []string{"immediate", "weekly"}, Required: true},
		{Name: "autonomy", Type: profile.AnswerSingle, Options: []string{"low", "medium", "high"}, Required: true},
		{Name: "meetingFormat", Type: profile.AnswerSingle, Options: []string{"remote", "in person"}},
	})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	table, err := scoring.NewWeightTable([]scoring.DimensionWeight{
		{Dimension: "feedbackTiming", Weight: 1, Comparison: scoring.Exact},
		{Dimension: "autonomy", Weight: 1, Comparison: scoring.Ordinal, Scale: []string{"low", "medium", "high"}},
		{Dimension: "meetingFormat", Weight: 1, Comparison: scoring.Exact},
	})
	if err != nil {
		t.Fatalf("weights: %v", err)
	}

	ids := 0
	var idMu sync.Mutex
	return Deps{
		Normalizer: profile.NewNormalizer(schema, nil),
		Scorer:     scoring.NewScorer(table),
		Merger:     merge.New(merge.DefaultConfig(), nil),
		Builder: record.NewBuilder(record.WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return "rec-" + strings.Repeat("x", ids)
		})),
	}
}

func applicantSubmission(id string) profile.Submission {
	return profile.Submission{
		ID:      id,
		Version: 1,
		Answers: map[string]any{"feedbackTiming": "immediate", "autonomy": "high"},
	}
}

func mentorSubmission(id string) profile.Submission {
	return profile.Submission{
		ID:      id,
		Version: 2,
		Kind:    profile.KindMentor,
		Answers: map[string]any{"feedback timing": "Immediate", "autonomy": "LOW"},
	}
}

func mustPipeline(t *testing.T, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(deps)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestMatchSubmissionsEnhanced(t *testing.T) {
	deps := testDeps(t)
	enhancer := &fakeEnhancer{analyze: analysisOutcome(6, ai.ConfidenceHigh)}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	deps.Enhancer, deps.Store, deps.Notifier = enhancer, store, notifier

	rec, err := mustPipeline(t, deps).MatchSubmissions(context.Background(), applicantSubmission("a-1"), mentorSubmission("m-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.BaseScore == nil || *rec.BaseScore != 5 {
		t.Fatalf("expected base score 5, got %v", rec.BaseScore)
	}
	if rec.Final == nil || *rec.Final != 6 {
		t.Fatalf("expected final score 6, got %v", rec.Final)
	}
	if rec.Status != merge.StatusEnhanced || rec.Confidence != ai.ConfidenceHigh {
		t.Fatalf("unexpected status %q confidence %q", rec.Status, rec.Confidence)
	}
	if rec.Analysis == nil || rec.Audit.Provider != "primary" || rec.Audit.Attempts != 1 {
		t.Fatalf("expected accepted analysis with audit, got %+v / %+v", rec.Analysis, rec.Audit)
	}
	if rec.Applicant != (profile.Ref{ID: "a-1", Version: 1}) || rec.Mentor != (profile.Ref{ID: "m-1", Version: 2}) {
		t.Fatalf("unexpected refs %v %v", rec.Applicant, rec.Mentor)
	}

	calls := enhancer.Calls()
	if len(calls) != 1 || calls[0].BaseScore != 5 || len(calls[0].Contributions) != 2 {
		t.Fatalf("unexpected enhancer requests: %+v", calls)
	}

	if len(store.saved) != 1 || store.saved[0].ID != rec.ID {
		t.Fatalf("expected record to be saved once, got %d", len(store.saved))
	}

	if len(notifier.transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %+v", notifier.transitions)
	}
	if tr := notifier.transitions[1]; tr.From != merge.StatusPending || tr.To != merge.StatusEnhanced || tr.Record != rec.ID {
		t.Fatalf("unexpected transition %+v", tr)
	}
}

func TestMatchSkipsEnhancementWithoutOverlap(t *testing.T) {
	deps := testDeps(t)
	enhancer := &fakeEnhancer{analyze: analysisOutcome(6, ai.ConfidenceHigh)}
	notifier := &fakeNotifier{}
	deps.Enhancer, deps.Notifier = enhancer, notifier

	applicant := profile.New(profile.Ref{ID: "a-2", Version: 1}, profile.KindApplicant, profile.Single("feedbackTiming", "weekly"))
	mentor := profile.New(profile.Ref{ID: "m-2", Version: 1}, profile.KindMentor, profile.Single("autonomy", "low"))

	rec, err := mustPipeline(t, deps).Match(context.Background(), applicant, mentor)
	if err != nil {
		t.Fatalf("no-overlap must not be an error: %v", err)
	}

	if len(enhancer.Calls()) != 0 {
		t.Fatalf("enhancer must not be called without a base score")
	}
	if rec.BaseScore != nil || rec.Final != nil || !rec.NoOverlap {
		t.Fatalf("expected empty scores, got base=%v final=%v", rec.BaseScore, rec.Final)
	}
	if rec.Status != merge.StatusPending || rec.Reason != merge.ReasonInsufficientData {
		t.Fatalf("unexpected status %q reason %q", rec.Status, rec.Reason)
	}
	if rec.AnalyzedAt != nil {
		t.Fatalf("analyzedAt must stay unset without an attempt")
	}
	if len(notifier.transitions) != 1 || notifier.transitions[0].To != merge.StatusPending {
		t.Fatalf("expected only the pending transition, got %+v", notifier.transitions)
	}
}

func TestMatchWithoutProvidersKeepsBaseScore(t *testing.T) {
	p := mustPipeline(t, testDeps(t))

	rec, err := p.MatchSubmissions(context.Background(), applicantSubmission("a-3"), mentorSubmission("m-3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Final == nil || *rec.Final != 5 || rec.Reason != merge.ReasonDisabled {
		t.Fatalf("expected base score as final with disabled reason, got %v %q", rec.Final, rec.Reason)
	}

	statuses := map[string]Status{}
	for _, s := range p.Describe() {
		statuses[s.Name] = s
	}
	for _, name := range []string{StageEnhance, StagePersist, StageNotify} {
		if statuses[name].Enabled {
			t.Fatalf("expected %s stage to be disabled", name)
		}
	}
	if !statuses[StageScore].Enabled || statuses[StageScore].Details["weighted_dimensions"] != "3" {
		t.Fatalf("unexpected score stage status: %+v", statuses[StageScore])
	}
}

func TestMatchDiscardsAnomalousAnalysis(t *testing.T) {
	deps := testDeps(t)
	deps.Enhancer = &fakeEnhancer{analyze: analysisOutcome(9.5, ai.ConfidenceHigh)}

	before := testutil.ToFloat64(metrics.EnhancementsDiscarded.WithLabelValues(merge.ReasonAnomalous))

	rec, err := mustPipeline(t, deps).MatchSubmissions(context.Background(), applicantSubmission("a-4"), mentorSubmission("m-4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Analysis != nil {
		t.Fatalf("anomalous analysis must not be stored")
	}
	if rec.Final == nil || *rec.Final != 5 || rec.Status != merge.StatusEnhancementFailed || rec.Reason != merge.ReasonAnomalous {
		t.Fatalf("unexpected merge result: final=%v status=%q reason=%q", rec.Final, rec.Status, rec.Reason)
	}
	if rec.Audit.Attempts != 1 {
		t.Fatalf("audit trail must keep the attempt, got %+v", rec.Audit)
	}

	after := testutil.ToFloat64(metrics.EnhancementsDiscarded.WithLabelValues(merge.ReasonAnomalous))
	if after-before != 1 {
		t.Fatalf("expected discarded counter to grow by 1, got %v", after-before)
	}
}

func TestMatchRecordsCancellationAndStillPersists(t *testing.T) {
	deps := testDeps(t)
	store := &fakeStore{}
	deps.Enhancer = &fakeEnhancer{delay: time.Minute}
	deps.Store = store

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec, err := mustPipeline(t, deps).MatchSubmissions(ctx, applicantSubmission("a-5"), mentorSubmission("m-5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Reason != merge.ReasonCancelled || rec.Status != merge.StatusEnhancementFailed {
		t.Fatalf("expected cancelled enhancement, got %q / %q", rec.Status, rec.Reason)
	}
	if len(store.saved) != 1 {
		t.Fatalf("cancelled match must still be persisted")
	}
}

func TestMatchStoreFailureIsReturned(t *testing.T) {
	deps := testDeps(t)
	deps.Store = &fakeStore{err: errors.New("disk full")}

	_, err := mustPipeline(t, deps).MatchSubmissions(context.Background(), applicantSubmission("a-6"), mentorSubmission("m-6"))
	if err == nil || !strings.HasPrefix(err.Error(), StagePersist+":") || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persist error, got %v", err)
	}
}

func TestMatchNotifyFailureIsOnlyLogged(t *testing.T) {
	core, observed := observer.New(zapcore.WarnLevel)
	deps := testDeps(t)
	deps.Logger = zap.New(core)
	deps.Notifier = &fakeNotifier{err: errors.New("redis down")}

	if _, err := mustPipeline(t, deps).MatchSubmissions(context.Background(), applicantSubmission("a-7"), mentorSubmission("m-7")); err != nil {
		t.Fatalf("notify failure must not fail the match: %v", err)
	}

	entries := observed.FilterMessage("publishing status transition failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["applicant"] != "a-7@v1" {
		t.Fatalf("expected pair fields on the warning, got %v", entries[0].ContextMap())
	}
}

func TestMatchRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	p := mustPipeline(t, testDeps(t))

	cases := []struct {
		name      string
		applicant profile.Submission
		mentor    profile.Submission
		expectErr string
	}{
		{name: "missing id", applicant: profile.Submission{Answers: map[string]any{}}, mentor: mentorSubmission("m-8"), expectErr: "normalize applicant"},
		{name: "swapped kinds", applicant: mentorSubmission("m-9"), mentor: mentorSubmission("m-10"), expectErr: "expected applicant profile"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := p.MatchSubmissions(context.Background(), tc.applicant, tc.mentor)
			if err == nil || !strings.Contains(err.Error(), tc.expectErr) {
				t.Fatalf("expected error containing %q, got %v", tc.expectErr, err)
			}
		})
	}
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	deps := testDeps(t)
	deps.Scorer = nil
	if _, err := New(deps); err == nil {
		t.Fatalf("expected error without scorer")
	}
}

func TestMatchBatchReportsPerPairResults(t *testing.T) {
	deps := testDeps(t)
	enhancer := &fakeEnhancer{delay: 10 * time.Millisecond, analyze: analysisOutcome(5.5, ai.ConfidenceMedium)}
	deps.Enhancer = enhancer

	pairs := []Pair{
		{Applicant: applicantSubmission("a-1"), Mentor: mentorSubmission("m-1")},
		{Applicant: profile.Submission{Version: 1}, Mentor: mentorSubmission("m-2")},
		{Applicant: applicantSubmission("a-3"), Mentor: mentorSubmission("m-3")},
		{Applicant: applicantSubmission("a-4"), Mentor: mentorSubmission("m-4")},
		{Applicant: applicantSubmission("a-5"), Mentor: mentorSubmission("m-5")},
	}

	results := mustPipeline(t, deps).MatchBatch(context.Background(), pairs, 2)

	if len(results) != len(pairs) {
		t.Fatalf("expected %d results, got %d", len(pairs), len(results))
	}
	for i, res := range results {
		if res.Index != i {
			t.Fatalf("result %d has index %d", i, res.Index)
		}
		if i == 1 {
			if res.Err == nil || res.Record != nil {
				t.Fatalf("expected failure for the invalid pair, got %+v", res)
			}
			continue
		}
		if res.Err != nil || res.Record == nil || res.Record.Status != merge.StatusEnhanced {
			t.Fatalf("pair %d: unexpected result %+v", i, res)
		}
		if res.Record.Mentor != pairs[i].Mentor.Ref() {
			t.Fatalf("pair %d: record belongs to %v", i, res.Record.Mentor)
		}
	}

	if enhancer.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent enhancements, saw %d", enhancer.maxSeen)
	}
	if len(enhancer.Calls()) != 4 {
		t.Fatalf("expected 4 enhancements, got %d", len(enhancer.Calls()))
	}
}

func TestMatchBatchCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := mustPipeline(t, testDeps(t)).MatchBatch(ctx, []Pair{
		{Applicant: applicantSubmission("a-1"), Mentor: mentorSubmission("m-1")},
	}, 1)

	if !errors.Is(results[0].Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", results[0].Err)
	}
}

func TestDisableByNameSkipsOptionalStages(t *testing.T) {
	deps := testDeps(t)
	enhancer := &fakeEnhancer{analyze: analysisOutcome(6, ai.ConfidenceHigh)}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	deps.Enhancer, deps.Store, deps.Notifier = enhancer, store, notifier
	p := mustPipeline(t, deps)

	for _, name := range []string{StageNormalize, StageScore, StageMerge, StageBuild, "unknown"} {
		if err := p.DisableByName(name, "requested"); err == nil {
			t.Fatalf("stage %q must not be disabled", name)
		}
	}

	pairs := make([]Pair, 8)
	for i := range pairs {
		pairs[i] = Pair{Applicant: applicantSubmission(fmt.Sprintf("a-%d", i)), Mentor: mentorSubmission(fmt.Sprintf("m-%d", i))}
	}

	// toggling while a batch is running must be safe
	done := make(chan []BatchResult)
	go func() { done <- p.MatchBatch(context.Background(), pairs, 4) }()
	if err := p.DisableByName(" Notify", "telemetry paused"); err != nil {
		t.Fatalf("disabling notify: %v", err)
	}
	for _, res := range <-done {
		if res.Err != nil {
			t.Fatalf("pair %d failed: %v", res.Index, res.Err)
		}
	}

	if err := p.DisableByName(StageEnhance, "manual review only"); err != nil {
		t.Fatalf("disabling enhance: %v", err)
	}
	before := len(enhancer.Calls())

	rec, err := p.MatchSubmissions(context.Background(), applicantSubmission("a-9"), mentorSubmission("m-9"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(enhancer.Calls()) != before {
		t.Fatalf("enhancer called after the stage was disabled")
	}
	if rec.Status != merge.StatusPending || rec.Reason != merge.ReasonDisabled {
		t.Fatalf("unexpected status %q reason %q", rec.Status, rec.Reason)
	}

	statuses := map[string]Status{}
	for _, s := range p.Describe() {
		statuses[s.Name] = s
	}
	if s := statuses[StageEnhance]; s.Enabled || s.Reason != "manual review only" {
		t.Fatalf("unexpected enhance status %+v", s)
	}
	if s := statuses[StageNotify]; s.Enabled || s.Reason != "telemetry paused" {
		t.Fatalf("unexpected notify status %+v", s)
	}
	if !statuses[StagePersist].Enabled {
		t.Fatalf("persist must stay enabled")
	}
	if len(store.saved) != len(pairs)+1 {
		t.Fatalf("expected %d saved records, got %d", len(pairs)+1, len(store.saved))
	}
}
