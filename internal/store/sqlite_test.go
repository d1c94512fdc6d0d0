package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/mentor-matcher/internal/ai"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "db", "matches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string, status merge.Status, createdAt time.Time) record.MatchRecord {
	base, final := 5.0, 6.0
	a := profile.New(profile.Ref{ID: "a-" + id, Version: 1}, profile.KindApplicant, profile.Single("autonomy", "high"))
	m := profile.New(profile.Ref{ID: "m-" + id, Version: 2}, profile.KindMentor, profile.Multi("values", "growth", "impact"))

	return record.MatchRecord{
		ID:         id,
		Applicant:  a.Ref(),
		Mentor:     m.Ref(),
		Snapshots:  record.Snapshots{Applicant: a, Mentor: m},
		BaseScore:  &base,
		Final:      &final,
		Analysis:   &ai.Analysis{EnhancedScore: 6, Confidence: ai.ConfidenceMedium, Provider: "gemini", Strengths: []string{"values"}},
		Confidence: ai.ConfidenceMedium,
		Status:     status,
		Reason:     merge.ReasonEnhanced,
		CreatedAt:  createdAt,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	created := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

	rec := sampleRecord("r1", merge.StatusEnhanced, created)
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, rec.Applicant, got.Applicant)
	assert.Equal(t, rec.Mentor, got.Mentor)
	assert.Equal(t, 5.0, *got.BaseScore)
	assert.Equal(t, 6.0, *got.Final)
	assert.Equal(t, merge.StatusEnhanced, got.Status)
	assert.Equal(t, []string{"values"}, got.Analysis.Strengths)
	assert.True(t, got.CreatedAt.Equal(created))

	values, ok := got.Snapshots.Mentor.Answer("values")
	require.True(t, ok)
	assert.Equal(t, []string{"growth", "impact"}, values.Values)
}

func TestGetUnknown(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsDuplicates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := sampleRecord("dup", merge.StatusPending, time.Now())

	require.NoError(t, s.Save(ctx, rec))
	require.Error(t, s.Save(ctx, rec))
}

func TestAppendNoteKeepsAIFields(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecord("r1", merge.StatusEnhanced, time.Now())))

	first := time.Date(2025, 7, 2, 10, 0, 0, 0, time.UTC)
	_, err := s.AppendNote(ctx, "r1", record.Note{Author: "reviewer", Text: "looks right", CreatedAt: first})
	require.NoError(t, err)

	updated, err := s.AppendNote(ctx, "r1", record.Note{Author: "lead", Text: "override: confirmed"})
	require.NoError(t, err)
	require.Len(t, updated.Notes, 2)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Notes, 2)
	assert.Equal(t, "looks right", got.Notes[0].Text)
	assert.True(t, got.Notes[0].CreatedAt.Equal(first))
	assert.Equal(t, "override: confirmed", got.Notes[1].Text)
	assert.False(t, got.Notes[1].CreatedAt.IsZero())

	assert.Equal(t, 6.0, *got.Final)
	assert.Equal(t, 6.0, got.Analysis.EnhancedScore)
	assert.Equal(t, merge.StatusEnhanced, got.Status)

	_, err = s.AppendNote(ctx, "r1", record.Note{Text: "  "})
	require.Error(t, err)

	_, err = s.AppendNote(ctx, "missing", record.Note{Text: "hello"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirstWithFilter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		status := merge.StatusEnhanced
		if i%2 == 1 {
			status = merge.StatusEnhancementFailed
		}
		require.NoError(t, s.Save(ctx, sampleRecord(fmt.Sprintf("r%d", i), status, start.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "r4", all[0].ID)
	assert.Equal(t, "r0", all[4].ID)

	failed, err := s.List(ctx, Filter{Status: merge.StatusEnhancementFailed})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "r3", failed[0].ID)

	limited, err := s.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSavePersistsInitialNotes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := sampleRecord("r1", merge.StatusPending, time.Now())
	rec.Notes = []record.Note{{Author: "intake", Text: "priority", CreatedAt: time.Now()}}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "intake", got.Notes[0].Author)
}
