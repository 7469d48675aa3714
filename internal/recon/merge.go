package recon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/match"
	"github.com/sells-group/expert-tracker/internal/model"
)

// SweepDuplicates compares every pair of canonical experts in a project and
// records pending duplicate candidates for pairs above the review threshold.
// Pairs already covered by a candidate in any state are skipped, so repeated
// sweeps stay quiet.
func (e *Engine) SweepDuplicates(ctx context.Context, projectID string) ([]model.DedupeCandidate, error) {
	roster, err := e.store.ListExperts(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "recon: load roster")
	}

	seen := make(map[string]bool)
	for _, status := range []model.DedupeStatus{model.DedupePending, model.DedupeMerged, model.DedupeNotSame} {
		existing, err := e.store.ListDedupeCandidates(ctx, projectID, status)
		if err != nil {
			return nil, eris.Wrap(err, "recon: load dedupe candidates")
		}
		for _, c := range existing {
			seen[pairKey(c.ExpertA, c.ExpertB)] = true
		}
	}

	now := time.Now().UTC()
	var fresh []model.DedupeCandidate
	for _, c := range match.SweepRoster(roster, e.thresholds) {
		if seen[pairKey(c.ExpertA, c.ExpertB)] {
			continue
		}
		c.ID = uuid.NewString()
		c.CreatedAt = now
		fresh = append(fresh, c)
	}

	if len(fresh) > 0 {
		if err := e.store.AddDedupeCandidates(ctx, fresh); err != nil {
			return nil, eris.Wrap(err, "recon: record dedupe candidates")
		}
	}

	zap.L().Info("duplicate sweep complete",
		zap.String("project_id", projectID),
		zap.Int("roster_size", len(roster)),
		zap.Int("new_candidates", len(fresh)),
	)
	return fresh, nil
}

// MergeExperts resolves a pending duplicate candidate by folding one expert
// into the other. The more complete profile survives; ties go to the earlier
// created record. All sources, provenance, and user edits move to the kept
// expert and the other record is deleted.
func (e *Engine) MergeExperts(ctx context.Context, candidateID string) (*model.ExpertMerge, error) {
	cand, err := e.store.GetDedupeCandidate(ctx, candidateID)
	if err != nil {
		return nil, eris.Wrap(err, "recon: load dedupe candidate")
	}
	if cand.Status != model.DedupePending {
		return nil, eris.Errorf("recon: candidate %s already resolved as %s", candidateID, cand.Status)
	}

	a, err := e.store.GetExpert(ctx, cand.ExpertA)
	if err != nil {
		return nil, eris.Wrap(err, "recon: load expert")
	}
	b, err := e.store.GetExpert(ctx, cand.ExpertB)
	if err != nil {
		return nil, eris.Wrap(err, "recon: load expert")
	}

	kept, merged := chooseKept(a, b)
	if err := e.store.MergeExperts(ctx, kept.ID, merged.ID, candidateID); err != nil {
		return nil, eris.Wrap(err, "recon: merge experts")
	}

	zap.L().Info("experts merged",
		zap.String("project_id", cand.ProjectID),
		zap.String("kept", kept.ID),
		zap.String("merged", merged.ID),
	)
	return &model.ExpertMerge{CandidateID: candidateID, Kept: kept.ID, Merged: merged.ID}, nil
}

// MarkNotSame resolves a pending duplicate candidate as two distinct people.
func (e *Engine) MarkNotSame(ctx context.Context, candidateID string) error {
	cand, err := e.store.GetDedupeCandidate(ctx, candidateID)
	if err != nil {
		return eris.Wrap(err, "recon: load dedupe candidate")
	}
	if cand.Status != model.DedupePending {
		return eris.Errorf("recon: candidate %s already resolved as %s", candidateID, cand.Status)
	}
	return e.store.ResolveDedupeCandidate(ctx, candidateID, model.DedupeNotSame, time.Now().UTC())
}

// chooseKept picks the surviving record of a merge pair.
func chooseKept(a, b *model.Expert) (kept, merged *model.Expert) {
	ca, cb := a.Completeness(), b.Completeness()
	if ca > cb {
		return a, b
	}
	if cb > ca {
		return b, a
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	return a, b
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
