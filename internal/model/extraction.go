package model

// Provenance wraps an extracted string value with the evidence behind it.
type Provenance struct {
	Value      string     `json:"value"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Start      int        `json:"start,omitempty"`
	End        int        `json:"end,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// ScreenerResponse is an answer to one screener question found in an email.
type ScreenerResponse struct {
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// ExtractedExpert is one candidate profile pulled from an email. Repeated
// mentions of the same person within a thread are collapsed into a single
// candidate carrying the chronologically latest status and conflict signals.
type ExtractedExpert struct {
	Name              Provenance         `json:"name"`
	Employer          Provenance         `json:"employer"`
	Title             Provenance         `json:"title"`
	RelevanceBullets  []string           `json:"relevance_bullets,omitempty"`
	ScreenerResponses []ScreenerResponse `json:"screener_responses,omitempty"`
	ConflictStatus    ConflictStatus     `json:"conflict_status"`
	ConflictID        string             `json:"conflict_id,omitempty"`
	Availability      []string           `json:"availability,omitempty"`
	StatusCue         StatusCue          `json:"status_cue"`
	OverallConfidence Confidence         `json:"overall_confidence"`
}

// EmailExtraction is the full structured result for one email.
type EmailExtraction struct {
	InferredNetwork   string            `json:"inferred_network"`
	NetworkConfidence Confidence        `json:"network_confidence"`
	EmailDate         string            `json:"email_date,omitempty"`
	Experts           []ExtractedExpert `json:"experts"`
	ExtractionNotes   string            `json:"extraction_notes,omitempty"`
}
