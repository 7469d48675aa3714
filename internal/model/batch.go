package model

import "time"

// FieldChange records one canonical field transition within an update.
type FieldChange struct {
	Field    string `json:"field"`
	Previous string `json:"previous,omitempty"`
	Value    string `json:"value"`
}

// ExpertUpdate describes the mutations reconciliation decided for one
// existing expert. Source is always present; Changes may be empty when the
// ingestion only added evidence.
type ExpertUpdate struct {
	ExpertID string          `json:"expert_id"`
	Changes  []FieldChange   `json:"changes,omitempty"`
	Status   *Status         `json:"status,omitempty"`
	Conflict *ConflictStatus `json:"conflict,omitempty"`
	Source   ExpertSource    `json:"source"`
}

// ExpertMerge reassigns everything owned by Merged onto Kept and removes the
// Merged record, resolving the named dedupe candidate.
type ExpertMerge struct {
	CandidateID string `json:"candidate_id,omitempty"`
	Kept        string `json:"kept"`
	Merged      string `json:"merged"`
}

// Changeset is the full set of roster mutations for one ingestion batch.
// The store applies it in a single transaction.
type Changeset struct {
	ProjectID  string            `json:"project_id"`
	EmailID    string            `json:"email_id"`
	Creates    []Expert          `json:"creates,omitempty"`
	Updates    []ExpertUpdate    `json:"updates,omitempty"`
	Merges     []ExpertMerge     `json:"merges,omitempty"`
	Candidates []DedupeCandidate `json:"candidates,omitempty"`
	Log        IngestionLog      `json:"log"`
}

// Empty reports whether the changeset carries no mutations at all.
func (c *Changeset) Empty() bool {
	return len(c.Creates) == 0 && len(c.Updates) == 0 &&
		len(c.Merges) == 0 && len(c.Candidates) == 0
}

// IngestionEntry names one expert affected by a batch and what happened.
type IngestionEntry struct {
	Action        Action        `json:"action"`
	ExpertID      string        `json:"expert_id"`
	ExpertName    string        `json:"expert_name"`
	MergedFromID  string        `json:"merged_from_id,omitempty"`
	FieldsChanged []FieldChange `json:"fields_changed,omitempty"`
}

// IngestionLog is the append-only audit record for one ingestion call.
type IngestionLog struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	EmailID   string           `json:"email_id"`
	Summary   string           `json:"summary"`
	Entries   []IngestionEntry `json:"entries"`
	CreatedAt time.Time        `json:"created_at"`
	UndoneAt  *time.Time       `json:"undone_at,omitempty"`
}

// BatchResult is what an ingestion call returns to the caller.
type BatchResult struct {
	LogID       string           `json:"log_id,omitempty"`
	Added       int              `json:"added"`
	Updated     int              `json:"updated"`
	Merged      int              `json:"merged"`
	NeedsReview int              `json:"needs_review"`
	NoOp        bool             `json:"no_op"`
	Summary     string           `json:"summary"`
	Entries     []IngestionEntry `json:"entries,omitempty"`
}

// ScreenAllResult aggregates a batch screening run. Per-expert failures are
// reported here, never raised as a batch error.
type ScreenAllResult struct {
	Screened int                 `json:"screened"`
	Failed   int                 `json:"failed"`
	Skipped  int                 `json:"skipped"`
	Results  []PerExpertScreening `json:"results"`
}

// PerExpertScreening is one expert's outcome within a screen-all run.
type PerExpertScreening struct {
	ExpertID   string           `json:"expert_id"`
	ExpertName string           `json:"expert_name"`
	Result     *ScreeningResult `json:"result,omitempty"`
	Err        string           `json:"error,omitempty"`
	Skipped    bool             `json:"skipped,omitempty"`
}
