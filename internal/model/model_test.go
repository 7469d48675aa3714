package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{
		StatusRecommended, StatusAwaitingScreeners, StatusScreenedOut,
		StatusShortlisted, StatusRequested, StatusScheduled, StatusCompleted,
		StatusUnresponsive, StatusConflict, StatusDeclined,
	} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("archived").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatus_UserDriven(t *testing.T) {
	assert.True(t, StatusRequested.UserDriven())
	assert.True(t, StatusScheduled.UserDriven())
	assert.True(t, StatusCompleted.UserDriven())
	assert.False(t, StatusRecommended.UserDriven())
	assert.False(t, StatusDeclined.UserDriven())
}

func TestConfidence_Rank(t *testing.T) {
	assert.Equal(t, 1, ConfidenceLow.Rank())
	assert.Equal(t, 2, ConfidenceMedium.Rank())
	assert.Equal(t, 3, ConfidenceHigh.Rank())
	assert.Zero(t, Confidence("certain").Rank(), "unknown tiers never win an overwrite")
	assert.False(t, Confidence("certain").Valid())
}

func TestScreenerConfig_Validate(t *testing.T) {
	t.Run("fills missing order from position", func(t *testing.T) {
		sc := &ScreenerConfig{Questions: []ScreenerQuestion{
			{Text: "Have you evaluated payment processors?", Weight: 0.6},
			{Text: "What volume did you process?", Weight: 0.4, Order: 7},
		}}
		require.NoError(t, sc.Validate())
		assert.Equal(t, 1, sc.Questions[0].Order)
		assert.Equal(t, 7, sc.Questions[1].Order)
	})

	t.Run("rejects empty rubric", func(t *testing.T) {
		assert.EqualError(t, (&ScreenerConfig{}).Validate(), "screener has no questions")
	})

	t.Run("rejects blank question text", func(t *testing.T) {
		sc := &ScreenerConfig{Questions: []ScreenerQuestion{{Text: "  ", Weight: 1}}}
		assert.ErrorContains(t, sc.Validate(), "question 1 has no text")
	})

	t.Run("rejects non-positive weight", func(t *testing.T) {
		sc := &ScreenerConfig{Questions: []ScreenerQuestion{
			{Text: "ok", Weight: 0.5},
			{Text: "bad", Weight: 0},
		}}
		assert.ErrorContains(t, sc.Validate(), "question 2 has non-positive weight")
	})
}

func TestExpert_EditedFields(t *testing.T) {
	e := &Expert{}
	assert.Nil(t, e.EditedFields())

	e.UserEdits = []UserEdit{
		{Field: "employer"},
		{Field: "title"},
		{Field: "employer"},
	}
	fields := e.EditedFields()
	assert.Len(t, fields, 2)
	assert.True(t, fields["employer"])
	assert.True(t, fields["title"])
}

func TestExpert_Completeness(t *testing.T) {
	sparse := &Expert{Name: "Wei Chen"}
	full := &Expert{
		Name: "Wei Chen", Employer: "Stripe", Title: "VP Payments",
		Sources: []ExpertSource{{ID: "s1"}, {ID: "s2"}},
	}
	assert.Greater(t, full.Completeness(), sparse.Completeness())

	// Source count breaks ties between equally filled profiles.
	sourced := &Expert{Name: "Wei Chen", Sources: []ExpertSource{{ID: "s1"}}}
	assert.Greater(t, sourced.Completeness(), sparse.Completeness())
}

func TestChangeset_Empty(t *testing.T) {
	assert.True(t, (&Changeset{ProjectID: "proj-1"}).Empty())
	assert.False(t, (&Changeset{Creates: []Expert{{ID: "e1"}}}).Empty())
	assert.False(t, (&Changeset{Candidates: []DedupeCandidate{{ID: "c1"}}}).Empty())
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("boom")

	extr := &ExtractionError{EmailID: "msg-1", Reason: "schema invalid", Err: cause}
	assert.True(t, IsExtractionError(fmt.Errorf("ingest: %w", extr)))
	assert.ErrorIs(t, extr, cause)
	assert.Contains(t, extr.Error(), "schema invalid")

	commit := &BatchCommitError{ProjectID: "proj-1", Err: cause}
	assert.True(t, IsBatchCommitError(fmt.Errorf("ingest: %w", commit)))
	assert.Contains(t, commit.Error(), "proj-1")

	conflict := &ConflictError{ProjectID: "proj-1"}
	assert.True(t, IsConflictError(fmt.Errorf("ingest: %w", conflict)))
	assert.False(t, IsConflictError(cause))

	var screening *ScreeningError
	wrapped := fmt.Errorf("run: %w", &ScreeningError{ExpertID: "exp-1", Err: cause})
	assert.True(t, errors.As(wrapped, &screening))
	assert.Equal(t, "exp-1", screening.ExpertID)
}

func TestExtractionError_WithoutCause(t *testing.T) {
	err := &ExtractionError{Reason: "no JSON object in response"}
	assert.Equal(t, "extraction failed: no JSON object in response", err.Error())
	assert.NoError(t, errors.Unwrap(err))
}
