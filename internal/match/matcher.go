// Package match scores candidate expert profiles against a project roster
// using deterministic name and employer similarity rules.
package match

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/expert-tracker/internal/model"
)

// Thresholds control how match scores route reconciliation decisions.
// Scores at or above AutoMerge with a strong match type update the existing
// record; scores in [Review, AutoMerge) flag a duplicate candidate for human
// review; lower scores are ignored.
type Thresholds struct {
	AutoMerge float64
	Review    float64
}

// DefaultThresholds are the tuned policy values. Callers may override per
// ingestion.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoMerge: 0.85, Review: 0.5}
}

// Candidate is the minimal profile the matcher compares against the roster.
type Candidate struct {
	Name     string
	Employer string
	Title    string
}

// Result is one scored pairing against an existing expert.
type Result struct {
	ExpertID string
	Score    float64
	Type     model.MatchType
}

// Match scores the candidate against every roster expert and returns results
// sorted by score descending, ties broken by the most recently updated
// expert. Experts that clear neither the exact-name nor the fuzzy-name bar
// are omitted.
func Match(candidate Candidate, roster []model.Expert) []Result {
	name := NormalizeName(candidate.Name)
	employer := NormalizeEmployer(candidate.Employer)

	var results []Result
	for i := range roster {
		if r, ok := compare(name, employer, candidate.Title, &roster[i]); ok {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return updatedAt(roster, results[i].ExpertID).After(updatedAt(roster, results[j].ExpertID))
	})
	return results
}

// compare applies the tier rules:
//
//	strong_name_employer  exact name + exact employer            0.95
//	medium_name_roles     exact name, differing employers        0.75
//	medium_name_roles     exact name, missing employer,
//	                      title similarity > 0.7 or both empty   0.65
//	fuzzy_name_employer   nameSim > 0.85 and employerSim > 0.8   0.6*nameSim*empSim
func compare(name, employer, title string, existing *model.Expert) (Result, bool) {
	existingName := NormalizeName(existing.Name)
	existingEmployer := NormalizeEmployer(existing.Employer)

	exactName := name != "" && name == existingName
	nameSim := Similarity(name, existingName)
	fuzzyName := nameSim > 0.85

	if !exactName && !fuzzyName {
		return Result{}, false
	}

	var (
		exactEmployer bool
		employerSim   float64
	)
	if employer != "" && existingEmployer != "" {
		exactEmployer = employer == existingEmployer
		employerSim = Similarity(employer, existingEmployer)
	}

	switch {
	case exactName && exactEmployer:
		return Result{ExpertID: existing.ID, Score: 0.95, Type: model.MatchStrongNameEmployer}, true

	case exactName && employer != "" && existingEmployer != "":
		return Result{ExpertID: existing.ID, Score: 0.75, Type: model.MatchMediumNameRoles}, true

	case exactName:
		titleA := strings.ToLower(strings.TrimSpace(title))
		titleB := strings.ToLower(strings.TrimSpace(existing.Title))
		if Similarity(titleA, titleB) > 0.7 || (titleA == "" && titleB == "") {
			return Result{ExpertID: existing.ID, Score: 0.65, Type: model.MatchMediumNameRoles}, true
		}

	case fuzzyName && employerSim > 0.8:
		return Result{ExpertID: existing.ID, Score: 0.6 * nameSim * employerSim, Type: model.MatchFuzzyNameEmployer}, true
	}
	return Result{}, false
}

func updatedAt(roster []model.Expert, id string) time.Time {
	for i := range roster {
		if roster[i].ID == id {
			return roster[i].UpdatedAt
		}
	}
	return time.Time{}
}

// SweepRoster compares every pair of canonical experts in the roster and
// returns duplicate candidates for pairs that clear the review threshold.
// Pairs already covered by an unresolved candidate should be filtered by the
// caller.
func SweepRoster(roster []model.Expert, th Thresholds) []model.DedupeCandidate {
	var candidates []model.DedupeCandidate
	for i := range roster {
		cand := Candidate{Name: roster[i].Name, Employer: roster[i].Employer, Title: roster[i].Title}
		name := NormalizeName(cand.Name)
		employer := NormalizeEmployer(cand.Employer)
		for j := i + 1; j < len(roster); j++ {
			r, ok := compare(name, employer, cand.Title, &roster[j])
			if !ok || r.Score < th.Review {
				continue
			}
			candidates = append(candidates, model.DedupeCandidate{
				ProjectID: roster[i].ProjectID,
				ExpertA:   roster[i].ID,
				ExpertB:   roster[j].ID,
				Score:     r.Score,
				MatchType: r.Type,
				Status:    model.DedupePending,
			})
		}
	}
	return candidates
}
