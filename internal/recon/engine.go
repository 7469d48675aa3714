// Package recon decides, for every extracted expert mention, whether it
// creates a new canonical record, updates an existing one, or gets flagged
// for human review. All roster mutations for one email land in a single
// atomic changeset.
package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/extract"
	"github.com/sells-group/expert-tracker/internal/match"
	"github.com/sells-group/expert-tracker/internal/model"
)

// Store is the roster persistence surface the engine needs. ListExperts must
// return experts with their sources, provenance, and user edits loaded.
type Store interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListExperts(ctx context.Context, projectID string) ([]model.Expert, error)
	GetExpert(ctx context.Context, id string) (*model.Expert, error)
	ApplyChangeset(ctx context.Context, cs *model.Changeset) (*model.IngestionLog, error)
	GetDedupeCandidate(ctx context.Context, id string) (*model.DedupeCandidate, error)
	ListDedupeCandidates(ctx context.Context, projectID string, status model.DedupeStatus) ([]model.DedupeCandidate, error)
	AddDedupeCandidates(ctx context.Context, candidates []model.DedupeCandidate) error
	ResolveDedupeCandidate(ctx context.Context, id string, status model.DedupeStatus, resolvedAt time.Time) error
	MergeExperts(ctx context.Context, keptID, mergedID, candidateID string) error
}

// Extractor turns raw email text into structured candidates.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (*model.EmailExtraction, error)
}

// Engine is the reconciliation core. Safe for concurrent use; ingestions
// against the same project serialize, ingestions against different projects
// run freely.
type Engine struct {
	store      Store
	extractor  Extractor
	thresholds match.Thresholds

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a reconciliation engine.
func New(store Store, extractor Extractor, thresholds match.Thresholds) *Engine {
	return &Engine{
		store:      store,
		extractor:  extractor,
		thresholds: thresholds,
		locks:      make(map[string]*sync.Mutex),
	}
}

// IngestOptions tweak a single ingestion call.
type IngestOptions struct {
	// EmailID identifies the source email. Derived from a content hash when
	// empty.
	EmailID string
	// NetworkHint overrides network inference.
	NetworkHint string
}

// Ingest processes one email against the project roster. It returns a
// ConflictError immediately when another ingestion holds the project, and a
// BatchCommitError when the changeset transaction fails (in which case the
// roster is untouched).
func (e *Engine) Ingest(ctx context.Context, projectID, emailText string, opts IngestOptions) (*model.BatchResult, error) {
	lock := e.projectLock(projectID)
	if !lock.TryLock() {
		return nil, &model.ConflictError{ProjectID: projectID}
	}
	defer lock.Unlock()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "recon: load project")
	}

	emailID := opts.EmailID
	if emailID == "" {
		emailID = hashEmailID(emailText)
	}

	in := extract.Input{
		EmailID:     emailID,
		EmailText:   emailText,
		Hypothesis:  project.Hypothesis,
		NetworkHint: opts.NetworkHint,
	}
	if project.Screener != nil {
		in.Questions = project.Screener.Questions
	}

	extraction, err := e.extractor.Extract(ctx, in)
	if err != nil {
		return nil, err
	}

	roster, err := e.store.ListExperts(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "recon: load roster")
	}

	cs := e.reconcile(projectID, emailID, extraction, roster, opts)
	result := tally(cs)

	if cs.Empty() {
		result.NoOp = true
		result.Summary = "No roster changes: every mention duplicates existing evidence."
		zap.L().Info("ingestion was a no-op",
			zap.String("project_id", projectID),
			zap.String("email_id", emailID),
		)
		return result, nil
	}

	cs.Log.Summary = result.Summary
	log, err := e.store.ApplyChangeset(ctx, cs)
	if err != nil {
		return nil, &model.BatchCommitError{ProjectID: projectID, Err: err}
	}
	result.LogID = log.ID

	zap.L().Info("ingestion batch committed",
		zap.String("project_id", projectID),
		zap.String("email_id", emailID),
		zap.String("log_id", log.ID),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("needs_review", result.NeedsReview),
	)
	return result, nil
}

// reconcile runs the per-candidate decision tree and assembles the changeset.
// Experts created earlier in the same batch are part of the snapshot, so a
// thread that slips past extraction-level dedup still collapses here.
func (e *Engine) reconcile(projectID, emailID string, extraction *model.EmailExtraction, roster []model.Expert, opts IngestOptions) *model.Changeset {
	now := time.Now().UTC()
	emailDate := parseEmailDate(extraction.EmailDate)
	network := opts.NetworkHint
	if network == "" {
		network = extraction.InferredNetwork
	}

	cs := &model.Changeset{
		ProjectID: projectID,
		EmailID:   emailID,
		Log: model.IngestionLog{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			EmailID:   emailID,
			CreatedAt: now,
		},
	}

	snapshot := make([]model.Expert, len(roster))
	copy(snapshot, roster)
	// Index from expert ID to position in cs.Creates, for in-batch amendments.
	created := make(map[string]int)

	for i := range extraction.Experts {
		cand := &extraction.Experts[i]
		raw := canonicalRaw(cand)

		results := match.Match(match.Candidate{
			Name:     cand.Name.Value,
			Employer: cand.Employer.Value,
			Title:    cand.Title.Value,
		}, snapshot)

		switch {
		case len(results) == 0 || results[0].Score < e.thresholds.Review:
			exp := e.newExpert(projectID, cand, emailID, network, emailDate, raw, now)
			cs.Creates = append(cs.Creates, *exp)
			created[exp.ID] = len(cs.Creates) - 1
			snapshot = append(snapshot, *exp)
			cs.Log.Entries = append(cs.Log.Entries, model.IngestionEntry{
				Action:     model.ActionAdded,
				ExpertID:   exp.ID,
				ExpertName: exp.Name,
			})

		case results[0].Score >= e.thresholds.AutoMerge && results[0].Type == model.MatchStrongNameEmployer:
			// Only a strong name+employer match may overwrite canonical
			// fields without a human decision. Medium and fuzzy matches
			// above the threshold still route to review.
			top := results[0]
			if idx, ok := created[top.ExpertID]; ok {
				e.amendCreate(&cs.Creates[idx], cand, emailID, network, emailDate, raw, now)
				snapshot[indexOf(snapshot, top.ExpertID)] = cs.Creates[idx]
				continue
			}
			existing := &roster[indexOf(roster, top.ExpertID)]
			update, entry, ok := e.buildUpdate(existing, cand, emailID, network, emailDate, raw, now)
			if !ok {
				// Identical to the latest stored evidence.
				continue
			}
			cs.Updates = append(cs.Updates, *update)
			cs.Log.Entries = append(cs.Log.Entries, *entry)

		default:
			// Review band. The mention becomes a new expert so its evidence
			// survives, paired with the suspected duplicate for a human
			// decision. The suspect's canonical fields stay untouched.
			exp := e.newExpert(projectID, cand, emailID, network, emailDate, raw, now)
			cs.Creates = append(cs.Creates, *exp)
			created[exp.ID] = len(cs.Creates) - 1
			snapshot = append(snapshot, *exp)
			cs.Candidates = append(cs.Candidates, model.DedupeCandidate{
				ID:        uuid.NewString(),
				ProjectID: projectID,
				ExpertA:   results[0].ExpertID,
				ExpertB:   exp.ID,
				Score:     results[0].Score,
				MatchType: results[0].Type,
				Status:    model.DedupePending,
				CreatedAt: now,
			})
			cs.Log.Entries = append(cs.Log.Entries, model.IngestionEntry{
				Action:     model.ActionNeedsReview,
				ExpertID:   exp.ID,
				ExpertName: exp.Name,
			})
		}
	}

	return cs
}

// newExpert materializes a fresh canonical record from one extracted mention.
func (e *Engine) newExpert(projectID string, cand *model.ExtractedExpert, emailID, network string, emailDate *time.Time, raw string, now time.Time) *model.Expert {
	exp := &model.Expert{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Name:           strings.TrimSpace(cand.Name.Value),
		Status:         initialStatus(cand.StatusCue),
		ConflictStatus: model.ConflictNone,
		ConflictID:     cand.ConflictID,
		Availability:   cand.Availability,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if meaningful(cand.Employer.Value) {
		exp.Employer = strings.TrimSpace(cand.Employer.Value)
	}
	if meaningful(cand.Title.Value) {
		exp.Title = strings.TrimSpace(cand.Title.Value)
	}
	if meaningful(network) {
		exp.Network = network
	}
	if next := conflictTransition(exp.ConflictStatus, cand.ConflictStatus, cand.StatusCue); next != nil {
		exp.ConflictStatus = *next
	}

	source := buildSource(exp.ID, cand, emailID, network, emailDate, raw, now)
	exp.Sources = []model.ExpertSource{source}
	return exp
}

// amendCreate folds a second in-batch mention of the same person into the
// pending create. Empty fields fill in; the extra source is kept as evidence.
func (e *Engine) amendCreate(exp *model.Expert, cand *model.ExtractedExpert, emailID, network string, emailDate *time.Time, raw string, now time.Time) {
	if exp.Employer == "" && meaningful(cand.Employer.Value) {
		exp.Employer = strings.TrimSpace(cand.Employer.Value)
	}
	if exp.Title == "" && meaningful(cand.Title.Value) {
		exp.Title = strings.TrimSpace(cand.Title.Value)
	}
	if len(cand.Availability) > 0 {
		exp.Availability = cand.Availability
	}
	if next := statusTransition(exp.Status, cand.StatusCue); next != nil {
		exp.Status = *next
	}
	if next := conflictTransition(exp.ConflictStatus, cand.ConflictStatus, cand.StatusCue); next != nil {
		exp.ConflictStatus = *next
	}
	exp.Sources = append(exp.Sources, buildSource(exp.ID, cand, emailID, network, emailDate, raw, now))
}

// buildUpdate computes the mutations an existing expert takes from a new
// mention. Returns ok=false when the mention is byte-identical to the
// expert's most recent evidence, which makes re-ingesting the same email a
// no-op.
func (e *Engine) buildUpdate(existing *model.Expert, cand *model.ExtractedExpert, emailID, network string, emailDate *time.Time, raw string, now time.Time) (*model.ExpertUpdate, *model.IngestionEntry, bool) {
	if latest := latestSource(existing); latest != nil && strings.TrimSpace(latest.RawExtraction) == strings.TrimSpace(raw) {
		return nil, nil, false
	}

	edited := existing.EditedFields()
	update := &model.ExpertUpdate{
		ExpertID: existing.ID,
		Source:   buildSource(existing.ID, cand, emailID, network, emailDate, raw, now),
	}

	fields := []struct {
		name    string
		current string
		next    string
		conf    model.Confidence
	}{
		{"employer", existing.Employer, cand.Employer.Value, cand.Employer.Confidence},
		{"title", existing.Title, cand.Title.Value, cand.Title.Confidence},
		{"network", existing.Network, network, cand.OverallConfidence},
	}
	for _, f := range fields {
		if shouldOverwrite(existing, f.name, f.current, f.next, f.conf, edited) {
			update.Changes = append(update.Changes, model.FieldChange{
				Field:    f.name,
				Previous: f.current,
				Value:    strings.TrimSpace(f.next),
			})
		}
	}

	if len(cand.Availability) > 0 && !edited["availability"] && availabilityChanged(existing.Availability, cand.Availability) {
		update.Changes = append(update.Changes, model.FieldChange{
			Field:    "availability",
			Previous: strings.Join(existing.Availability, "; "),
			Value:    strings.Join(cand.Availability, "; "),
		})
	}

	update.Status = statusTransition(existing.Status, cand.StatusCue)
	update.Conflict = conflictTransition(existing.ConflictStatus, cand.ConflictStatus, cand.StatusCue)

	entry := &model.IngestionEntry{
		Action:        model.ActionUpdated,
		ExpertID:      existing.ID,
		ExpertName:    existing.Name,
		FieldsChanged: append([]model.FieldChange(nil), update.Changes...),
	}
	if update.Status != nil {
		entry.FieldsChanged = append(entry.FieldsChanged, model.FieldChange{
			Field: "status", Previous: string(existing.Status), Value: string(*update.Status),
		})
	}
	if update.Conflict != nil {
		entry.FieldsChanged = append(entry.FieldsChanged, model.FieldChange{
			Field: "conflict_status", Previous: string(existing.ConflictStatus), Value: string(*update.Conflict),
		})
	}
	return update, entry, true
}

func buildSource(expertID string, cand *model.ExtractedExpert, emailID, network string, emailDate *time.Time, raw string, now time.Time) model.ExpertSource {
	source := model.ExpertSource{
		ID:            uuid.NewString(),
		ExpertID:      expertID,
		EmailID:       emailID,
		EmailDate:     emailDate,
		Network:       network,
		RawExtraction: raw,
		StatusCue:     cand.StatusCue,
		CreatedAt:     now,
	}

	for _, f := range []struct {
		name string
		prov model.Provenance
	}{
		{"name", cand.Name},
		{"employer", cand.Employer},
		{"title", cand.Title},
	} {
		if strings.TrimSpace(f.prov.Value) == "" {
			continue
		}
		source.Provenance = append(source.Provenance, model.FieldProvenance{
			ID:         uuid.NewString(),
			SourceID:   source.ID,
			Field:      f.name,
			Value:      f.prov.Value,
			Excerpt:    f.prov.Excerpt,
			Start:      f.prov.Start,
			End:        f.prov.End,
			Confidence: f.prov.Confidence,
		})
	}
	return source
}

// tally derives the caller-facing result and summary from a changeset.
func tally(cs *model.Changeset) *model.BatchResult {
	result := &model.BatchResult{Entries: cs.Log.Entries}
	for _, entry := range cs.Log.Entries {
		switch entry.Action {
		case model.ActionAdded:
			result.Added++
		case model.ActionUpdated:
			result.Updated++
		case model.ActionMerged:
			result.Merged++
		case model.ActionNeedsReview:
			result.NeedsReview++
		}
	}

	var parts []string
	if result.Added > 0 {
		parts = append(parts, fmt.Sprintf("added %d", result.Added))
	}
	if result.Updated > 0 {
		parts = append(parts, fmt.Sprintf("updated %d", result.Updated))
	}
	if result.Merged > 0 {
		parts = append(parts, fmt.Sprintf("merged %d", result.Merged))
	}
	if result.NeedsReview > 0 {
		parts = append(parts, fmt.Sprintf("flagged %d for review", result.NeedsReview))
	}
	if len(parts) > 0 {
		result.Summary = "Roster " + strings.Join(parts, ", ") + "."
	}
	return result
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[projectID] = lock
	}
	return lock
}

// canonicalRaw serializes one extracted mention deterministically so repeat
// ingestions of the same email compare equal.
func canonicalRaw(cand *model.ExtractedExpert) string {
	data, err := json.Marshal(cand)
	if err != nil {
		return ""
	}
	return string(data)
}

func latestSource(e *model.Expert) *model.ExpertSource {
	if len(e.Sources) == 0 {
		return nil
	}
	latest := &e.Sources[0]
	for i := 1; i < len(e.Sources); i++ {
		if e.Sources[i].CreatedAt.After(latest.CreatedAt) {
			latest = &e.Sources[i]
		}
	}
	return latest
}

func indexOf(roster []model.Expert, id string) int {
	for i := range roster {
		if roster[i].ID == id {
			return i
		}
	}
	return -1
}

func hashEmailID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "email-" + hex.EncodeToString(sum[:8])
}

func parseEmailDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
