package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Project groups a roster of experts under one research effort. The
// hypothesis text feeds both the extraction and screening prompts.
type Project struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Hypothesis string          `json:"hypothesis"`
	Networks   []string        `json:"networks,omitempty"`
	Screener   *ScreenerConfig `json:"screener,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ScreenerConfig is the rubric an expert is screened against.
type ScreenerConfig struct {
	Questions  []ScreenerQuestion `json:"questions" yaml:"questions"`
	AutoScreen bool               `json:"auto_screen" yaml:"auto_screen"`
}

// Validate checks the rubric before it replaces a project's screener:
// every question needs text and a positive weight. Missing Order values
// are filled from list position so display order survives the update.
func (sc *ScreenerConfig) Validate() error {
	if len(sc.Questions) == 0 {
		return errors.New("screener has no questions")
	}
	for i := range sc.Questions {
		q := &sc.Questions[i]
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("screener question %d has no text", i+1)
		}
		if q.Weight <= 0 {
			return fmt.Errorf("screener question %d has non-positive weight %.2f", i+1, q.Weight)
		}
		if q.Order == 0 {
			q.Order = i + 1
		}
	}
	return nil
}

// ScreenerQuestion is one weighted rubric question.
type ScreenerQuestion struct {
	ID          string   `json:"id" yaml:"id"`
	Order       int      `json:"order" yaml:"order"`
	Text        string   `json:"text" yaml:"text"`
	Weight      float64  `json:"weight" yaml:"weight"`
	IdealAnswer string   `json:"ideal_answer,omitempty" yaml:"ideal_answer"`
	RubricNotes string   `json:"rubric_notes,omitempty" yaml:"rubric_notes"`
	RedFlags    []string `json:"red_flags,omitempty" yaml:"red_flags"`
}

// Expert is the canonical, de-duplicated profile a project tracks. It owns
// its ExpertSource rows; deleting an expert deletes its sources.
type Expert struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	Employer       string         `json:"employer,omitempty"`
	Title          string         `json:"title,omitempty"`
	Network        string         `json:"network,omitempty"`
	Status         Status         `json:"status"`
	ConflictStatus ConflictStatus `json:"conflict_status"`
	ConflictID     string         `json:"conflict_id,omitempty"`
	Availability   []string       `json:"availability,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	CallNotes      string         `json:"call_notes,omitempty"`

	Screening *ScreeningResult `json:"screening,omitempty"`

	// Retained for compatibility with rosters written before rubric
	// screening existed.
	LegacyRecommendation string `json:"legacy_recommendation,omitempty"`
	LegacyRationale      string `json:"legacy_rationale,omitempty"`

	Sources   []ExpertSource `json:"sources,omitempty"`
	UserEdits []UserEdit     `json:"user_edits,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EditedFields returns the set of field names a user has manually overridden.
func (e *Expert) EditedFields() map[string]bool {
	if len(e.UserEdits) == 0 {
		return nil
	}
	fields := make(map[string]bool, len(e.UserEdits))
	for _, edit := range e.UserEdits {
		fields[edit.Field] = true
	}
	return fields
}

// Completeness scores how filled-in a profile is, used to pick the surviving
// record in a merge.
func (e *Expert) Completeness() float64 {
	var score float64
	if e.Name != "" {
		score++
	}
	if e.Employer != "" {
		score++
	}
	if e.Title != "" {
		score++
	}
	score += 0.1 * float64(len(e.Sources))
	return score
}

// ExpertSource is the raw extraction from one email for one expert.
// Append-only; each ingestion that touches an expert adds a row even when no
// canonical field changed.
type ExpertSource struct {
	ID            string            `json:"id"`
	ExpertID      string            `json:"expert_id"`
	EmailID       string            `json:"email_id"`
	EmailDate     *time.Time        `json:"email_date,omitempty"`
	Network       string            `json:"network,omitempty"`
	RawExtraction string            `json:"raw_extraction"`
	StatusCue     StatusCue         `json:"status_cue"`
	Provenance    []FieldProvenance `json:"provenance,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// FieldProvenance is the literal evidence backing one extracted field value.
// Never mutated after creation.
type FieldProvenance struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	Field      string     `json:"field"`
	Value      string     `json:"value"`
	Excerpt    string     `json:"excerpt"`
	Start      int        `json:"start,omitempty"`
	End        int        `json:"end,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// UserEdit records a manual field override so reconciliation can refuse to
// overwrite it with a re-extraction.
type UserEdit struct {
	ID        string    `json:"id"`
	ExpertID  string    `json:"expert_id"`
	Field     string    `json:"field"`
	Previous  string    `json:"previous,omitempty"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// DedupeCandidate pairs two canonical experts that look alike, awaiting a
// human merge or dismiss. Both experts always belong to the same project.
type DedupeCandidate struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	ExpertA    string       `json:"expert_a"`
	ExpertB    string       `json:"expert_b"`
	Score      float64      `json:"score"`
	MatchType  MatchType    `json:"match_type"`
	Status     DedupeStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// ScreeningResult is the rubric-based assessment written onto an expert.
type ScreeningResult struct {
	Grade       Grade      `json:"grade"`
	Score       float64    `json:"score"`
	Rationale   string     `json:"rationale"`
	Confidence  Confidence `json:"confidence"`
	MissingInfo []string   `json:"missing_info,omitempty"`
	ScreenedAt  time.Time  `json:"screened_at"`
}
