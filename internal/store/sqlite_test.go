package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedProject(t *testing.T, st *SQLiteStore) *model.Project {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	p := &model.Project{
		ID:         "proj-1",
		Name:       "Payments diligence",
		Hypothesis: "Payment processor selection in mid-market retail",
		Networks:   []string{"AlphaSights", "Guidepoint"},
		Screener: &model.ScreenerConfig{
			Questions: []model.ScreenerQuestion{
				{ID: "q1", Order: 1, Text: "Have you evaluated payment processors?", Weight: 1.0},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return p
}

func sampleChangeset(projectID, emailID, expertID string) *model.Changeset {
	now := time.Now().UTC().Truncate(time.Second)
	expert := model.Expert{
		ID:             expertID,
		ProjectID:      projectID,
		Name:           "Jennifer Park",
		Employer:       "Square",
		Title:          "Former Head of Partnerships",
		Network:        "AlphaSights",
		Status:         model.StatusRecommended,
		ConflictStatus: model.ConflictNone,
		Availability:   []string{"Tuesday 10am ET", "Wednesday 2pm ET"},
		CreatedAt:      now,
		UpdatedAt:      now,
		Sources: []model.ExpertSource{
			{
				ID:            expertID + "-src-1",
				ExpertID:      expertID,
				EmailID:       emailID,
				Network:       "AlphaSights",
				RawExtraction: `{"name":"Jennifer Park","employer":"Square"}`,
				StatusCue:     model.CueAvailable,
				CreatedAt:     now,
				Provenance: []model.FieldProvenance{
					{
						ID: expertID + "-prov-1", SourceID: expertID + "-src-1",
						Field: "name", Value: "Jennifer Park",
						Excerpt: "Jennifer Park, formerly of Square", Start: 10, End: 43,
						Confidence: model.ConfidenceHigh,
					},
				},
			},
		},
	}
	return &model.Changeset{
		ProjectID: projectID,
		EmailID:   emailID,
		Creates:   []model.Expert{expert},
		Log: model.IngestionLog{
			ID:        "log-" + expertID,
			ProjectID: projectID,
			EmailID:   emailID,
			Summary:   "Roster added 1, updated 0, merged 0, flagged 0 for review.",
			Entries: []model.IngestionEntry{
				{Action: model.ActionAdded, ExpertID: expertID, ExpertName: "Jennifer Park"},
			},
			CreatedAt: now,
		},
	}
}

// --- Projects ---

func TestSQLite_ProjectRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	got, err := st.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Hypothesis, got.Hypothesis)
	assert.Equal(t, []string{"AlphaSights", "Guidepoint"}, got.Networks)
	require.NotNil(t, got.Screener)
	require.Len(t, got.Screener.Questions, 1)
	assert.Equal(t, "q1", got.Screener.Questions[0].ID)
}

func TestSQLite_GetProject_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_UpdateProject(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	p.Hypothesis = "Revised hypothesis"
	require.NoError(t, st.UpdateProject(ctx, p))

	got, err := st.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Revised hypothesis", got.Hypothesis)
}

func TestSQLite_ListProjects(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedProject(t, st)

	projects, err := st.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

// --- Changesets and expert hydration ---

func TestSQLite_ApplyChangeset_CreatesExpertWithChildren(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	log, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)
	assert.Equal(t, "log-exp-1", log.ID)

	e, err := st.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "Jennifer Park", e.Name)
	assert.Equal(t, "Square", e.Employer)
	assert.Equal(t, model.StatusRecommended, e.Status)
	assert.Equal(t, []string{"Tuesday 10am ET", "Wednesday 2pm ET"}, e.Availability)

	require.Len(t, e.Sources, 1)
	assert.Equal(t, "email-1", e.Sources[0].EmailID)
	assert.Equal(t, model.CueAvailable, e.Sources[0].StatusCue)
	require.Len(t, e.Sources[0].Provenance, 1)
	assert.Equal(t, "name", e.Sources[0].Provenance[0].Field)
	assert.Equal(t, 10, e.Sources[0].Provenance[0].Start)
	assert.Equal(t, model.ConfidenceHigh, e.Sources[0].Provenance[0].Confidence)
}

func TestSQLite_ApplyChangeset_UpdatesFieldsAndAppendsSource(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	declined := model.StatusDeclined
	cs := &model.Changeset{
		ProjectID: p.ID,
		EmailID:   "email-2",
		Updates: []model.ExpertUpdate{
			{
				ExpertID: "exp-1",
				Changes: []model.FieldChange{
					{Field: "title", Previous: "Former Head of Partnerships", Value: "VP Partnerships"},
					{Field: "availability", Value: "Thursday 2pm ET"},
				},
				Status: &declined,
				Source: model.ExpertSource{
					ID: "src-2", ExpertID: "exp-1", EmailID: "email-2",
					RawExtraction: `{"name":"Jennifer Park","title":"VP Partnerships"}`,
					StatusCue:     model.CueDeclined,
					CreatedAt:     now,
				},
			},
		},
		Log: model.IngestionLog{
			ID: "log-2", ProjectID: p.ID, EmailID: "email-2",
			Entries:   []model.IngestionEntry{{Action: model.ActionUpdated, ExpertID: "exp-1", ExpertName: "Jennifer Park"}},
			CreatedAt: now,
		},
	}
	_, err = st.ApplyChangeset(ctx, cs)
	require.NoError(t, err)

	e, err := st.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "VP Partnerships", e.Title)
	assert.Equal(t, []string{"Thursday 2pm ET"}, e.Availability)
	assert.Equal(t, model.StatusDeclined, e.Status)
	assert.Len(t, e.Sources, 2)
}

func TestSQLite_ApplyChangeset_AtomicOnFailure(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	// Second create reuses the first expert's primary key, forcing the
	// insert to fail after the first one succeeded.
	cs := sampleChangeset(p.ID, "email-1", "exp-1")
	dup := cs.Creates[0]
	dup.Sources = nil
	cs.Creates = append(cs.Creates, dup)

	_, err := st.ApplyChangeset(ctx, cs)
	require.Error(t, err)

	experts, err := st.ListExperts(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, experts, "failed batch must leave no partial rows")

	logs, err := st.ListIngestionLogs(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSQLite_UpdateExpertFields_RecordsUserEdit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)

	err = st.UpdateExpertFields(ctx, "exp-1", []model.FieldChange{
		{Field: "employer", Previous: "Square", Value: "Block"},
	})
	require.NoError(t, err)

	e, err := st.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "Block", e.Employer)
	require.Len(t, e.UserEdits, 1)
	assert.Equal(t, "employer", e.UserEdits[0].Field)
	assert.Equal(t, "Square", e.UserEdits[0].Previous)
	assert.True(t, e.EditedFields()["employer"])
}

func TestSQLite_UpdateExpertFields_RejectsUnknownField(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)

	err = st.UpdateExpertFields(ctx, "exp-1", []model.FieldChange{
		{Field: "status", Value: "completed"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not editable")
}

func TestSQLite_SetExpertStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)

	require.NoError(t, st.SetExpertStatus(ctx, "exp-1", model.StatusScheduled))
	e, err := st.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, e.Status)

	err = st.SetExpertStatus(ctx, "exp-1", model.Status("bogus"))
	require.Error(t, err)
}

func TestSQLite_SaveScreening(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)

	result := &model.ScreeningResult{
		Grade:      model.GradeStrong,
		Score:      87,
		Rationale:  "Directly ran a processor evaluation.",
		Confidence: model.ConfidenceHigh,
		ScreenedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.SaveScreening(ctx, "exp-1", result))

	e, err := st.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, e.Screening)
	assert.Equal(t, model.GradeStrong, e.Screening.Grade)
	assert.InDelta(t, 87, e.Screening.Score, 0.001)
}

// --- Dedupe candidates and merge ---

func TestSQLite_DedupeCandidateLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	now := time.Now().UTC().Truncate(time.Second)
	cand := model.DedupeCandidate{
		ID: "cand-1", ProjectID: p.ID,
		ExpertA: "exp-1", ExpertB: "exp-2",
		Score: 0.72, MatchType: model.MatchFuzzyNameEmployer,
		Status: model.DedupePending, CreatedAt: now,
	}
	require.NoError(t, st.AddDedupeCandidates(ctx, []model.DedupeCandidate{cand}))

	pending, err := st.ListDedupeCandidates(ctx, p.ID, model.DedupePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.InDelta(t, 0.72, pending[0].Score, 0.001)

	require.NoError(t, st.ResolveDedupeCandidate(ctx, "cand-1", model.DedupeNotSame, now))

	got, err := st.GetDedupeCandidate(ctx, "cand-1")
	require.NoError(t, err)
	assert.Equal(t, model.DedupeNotSame, got.Status)
	require.NotNil(t, got.ResolvedAt)

	pending, err = st.ListDedupeCandidates(ctx, p.ID, model.DedupePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLite_MergeExperts_ReassignsChildren(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)
	_, err = st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-2", "exp-2"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.AddDedupeCandidates(ctx, []model.DedupeCandidate{{
		ID: "cand-1", ProjectID: p.ID, ExpertA: "exp-1", ExpertB: "exp-2",
		Score: 0.9, MatchType: model.MatchStrongNameEmployer,
		Status: model.DedupePending, CreatedAt: now,
	}}))

	require.NoError(t, st.MergeExperts(ctx, "exp-1", "exp-2", "cand-1"))

	_, err = st.GetExpert(ctx, "exp-2")
	assert.ErrorIs(t, err, model.ErrNotFound)

	kept, err := st.GetExpert(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, kept.Sources, 2, "merged expert's sources move to the kept record")

	cand, err := st.GetDedupeCandidate(ctx, "cand-1")
	require.NoError(t, err)
	assert.Equal(t, model.DedupeMerged, cand.Status)
}

// --- Ledger ---

func TestSQLite_ListIngestionLogs_NewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	first := sampleChangeset(p.ID, "email-1", "exp-1")
	first.Log.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	_, err := st.ApplyChangeset(ctx, first)
	require.NoError(t, err)

	second := sampleChangeset(p.ID, "email-2", "exp-2")
	_, err = st.ApplyChangeset(ctx, second)
	require.NoError(t, err)

	logs, err := st.ListIngestionLogs(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "log-exp-2", logs[0].ID)
	assert.Equal(t, "log-exp-1", logs[1].ID)
	require.Len(t, logs[0].Entries, 1)
	assert.Equal(t, model.ActionAdded, logs[0].Entries[0].Action)

	limited, err := st.ListIngestionLogs(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_MarkLogUndone_OnlyOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)
	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.MarkLogUndone(ctx, "log-exp-1", now))

	log, err := st.GetIngestionLog(ctx, "log-exp-1")
	require.NoError(t, err)
	require.NotNil(t, log.UndoneAt)

	err = st.MarkLogUndone(ctx, "log-exp-1", now)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// --- Scan bookkeeping ---

func TestSQLite_SeenEmail(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seen, err := st.SeenEmail(ctx, "hash-abc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, st.MarkEmailSeen(ctx, "hash-abc", "proj-1", time.Now().UTC()))

	seen, err = st.SeenEmail(ctx, "hash-abc")
	require.NoError(t, err)
	assert.True(t, seen)

	// Re-marking the same hash is an upsert, not an error.
	require.NoError(t, st.MarkEmailSeen(ctx, "hash-abc", "proj-1", time.Now().UTC()))
}

// --- Dead letter queue ---

func TestSQLite_DLQLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	entry := resilience.DLQEntry{
		ID:           "dlq-1",
		ProjectID:    "proj-1",
		EmailID:      "email-9",
		Subject:      "Expert recommendations",
		Body:         "body text",
		Error:        "anthropic: timeout",
		ErrorType:    "transient",
		RetryCount:   0,
		MaxRetries:   3,
		NextRetryAt:  now.Add(time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	entries, err := st.ListDLQ(ctx, resilience.DLQFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "anthropic: timeout", entries[0].Error)

	next := now.Add(10 * time.Minute)
	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", next, "anthropic: still failing"))

	entries, err = st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "anthropic: still failing", entries[0].Error)

	require.NoError(t, st.RemoveDLQ(ctx, "dlq-1"))
	entries, err = st.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_DeleteExperts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := seedProject(t, st)

	_, err := st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-1", "exp-1"))
	require.NoError(t, err)
	_, err = st.ApplyChangeset(ctx, sampleChangeset(p.ID, "email-2", "exp-2"))
	require.NoError(t, err)

	n, err := st.DeleteExperts(ctx, []string{"exp-1", "exp-2", "exp-missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	experts, err := st.ListExperts(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, experts)

	n, err = st.DeleteExperts(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
