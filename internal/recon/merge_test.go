package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expert-tracker/internal/match"
	"github.com/sells-group/expert-tracker/internal/model"
)

func TestChooseKept(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(48 * time.Hour)

	t.Run("more complete profile wins", func(t *testing.T) {
		full := &model.Expert{ID: "a", Name: "Wei Chen", Employer: "Stripe", Title: "VP", CreatedAt: later}
		sparse := &model.Expert{ID: "b", Name: "Wei Chen", CreatedAt: earlier}
		kept, merged := chooseKept(full, sparse)
		assert.Equal(t, "a", kept.ID)
		assert.Equal(t, "b", merged.ID)
	})

	t.Run("tie goes to earlier created", func(t *testing.T) {
		a := &model.Expert{ID: "a", Name: "Wei Chen", Employer: "Stripe", CreatedAt: later}
		b := &model.Expert{ID: "b", Name: "Wei Chen", Employer: "Stripe", CreatedAt: earlier}
		kept, merged := chooseKept(a, b)
		assert.Equal(t, "b", kept.ID)
		assert.Equal(t, "a", merged.ID)
	})

	t.Run("more sources means more complete", func(t *testing.T) {
		a := &model.Expert{ID: "a", Name: "Wei Chen", Employer: "Stripe", CreatedAt: earlier}
		b := &model.Expert{ID: "b", Name: "Wei Chen", Employer: "Stripe", CreatedAt: later,
			Sources: []model.ExpertSource{{}, {}}}
		kept, _ := chooseKept(a, b)
		assert.Equal(t, "b", kept.ID)
	})
}

func TestSweepDuplicates(t *testing.T) {
	store := newMemStore()
	seedExpert(store, model.Expert{Name: "Michael Torres", Employer: "Acme Corp"})
	seedExpert(store, model.Expert{Name: "Mike Torres", Employer: "Acme Corporation"})
	seedExpert(store, model.Expert{Name: "Priya Nair", Employer: "CloudOps"})

	engine, _ := newTestEngine(store)

	fresh, err := engine.SweepDuplicates(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, model.MatchStrongNameEmployer, fresh[0].MatchType)
	assert.Equal(t, model.DedupePending, fresh[0].Status)

	// Second sweep finds nothing new.
	again, err := engine.SweepDuplicates(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMergeExperts(t *testing.T) {
	store := newMemStore()
	sparse := seedExpert(store, model.Expert{
		Name: "Mike Torres", Employer: "Acme Corporation",
		Sources:   []model.ExpertSource{{ID: "src-1", EmailID: "email-1"}},
		UserEdits: []model.UserEdit{{Field: "title", Value: "CTO"}},
	})
	full := seedExpert(store, model.Expert{
		Name: "Michael Torres", Employer: "Acme Corp", Title: "CTO",
		Sources: []model.ExpertSource{{ID: "src-2", EmailID: "email-2"}},
	})

	engine, _ := newTestEngine(store)
	fresh, err := engine.SweepDuplicates(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	result, err := engine.MergeExperts(context.Background(), fresh[0].ID)
	require.NoError(t, err)
	assert.Equal(t, full.ID, result.Kept)
	assert.Equal(t, sparse.ID, result.Merged)

	require.Len(t, store.experts, 1)
	kept := store.experts[full.ID]
	assert.Len(t, kept.Sources, 2, "sources reassigned")
	assert.Len(t, kept.UserEdits, 1, "user edits reassigned")
	assert.Equal(t, model.DedupeMerged, store.cands[fresh[0].ID].Status)

	// A resolved candidate cannot be merged twice.
	_, err = engine.MergeExperts(context.Background(), fresh[0].ID)
	require.Error(t, err)
}

func TestMarkNotSame(t *testing.T) {
	store := newMemStore()
	seedExpert(store, model.Expert{Name: "Michael Torres", Employer: "Acme Corp"})
	seedExpert(store, model.Expert{Name: "Mike Torres", Employer: "Acme Corporation"})

	engine := New(store, &fakeExtractor{}, match.DefaultThresholds())
	fresh, err := engine.SweepDuplicates(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	require.NoError(t, engine.MarkNotSame(context.Background(), fresh[0].ID))
	assert.Equal(t, model.DedupeNotSame, store.cands[fresh[0].ID].Status)
	require.NotNil(t, store.cands[fresh[0].ID].ResolvedAt)

	// Both experts survive, and a re-sweep does not resurrect the pair.
	assert.Len(t, store.experts, 2)
	again, err := engine.SweepDuplicates(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}
