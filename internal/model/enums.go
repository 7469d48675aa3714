package model

// Status is the lifecycle state of an expert within a project.
type Status string

const (
	StatusRecommended       Status = "recommended"
	StatusAwaitingScreeners Status = "awaiting_screeners"
	StatusScreenedOut       Status = "screened_out"
	StatusShortlisted       Status = "shortlisted"
	StatusRequested         Status = "requested"
	StatusScheduled         Status = "scheduled"
	StatusCompleted         Status = "completed"
	StatusUnresponsive      Status = "unresponsive"
	StatusConflict          Status = "conflict"
	StatusDeclined          Status = "declined"
)

var statuses = map[Status]bool{
	StatusRecommended:       true,
	StatusAwaitingScreeners: true,
	StatusScreenedOut:       true,
	StatusShortlisted:       true,
	StatusRequested:         true,
	StatusScheduled:         true,
	StatusCompleted:         true,
	StatusUnresponsive:      true,
	StatusConflict:          true,
	StatusDeclined:          true,
}

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool { return statuses[s] }

// UserDriven reports whether s belongs to the human scheduling workflow.
// Reconciliation never advances an expert out of these states.
func (s Status) UserDriven() bool {
	return s == StatusRequested || s == StatusScheduled || s == StatusCompleted
}

// ConflictStatus tracks conflict-of-interest clearance.
type ConflictStatus string

const (
	ConflictNone     ConflictStatus = "none"
	ConflictPending  ConflictStatus = "pending"
	ConflictCleared  ConflictStatus = "cleared"
	ConflictConflict ConflictStatus = "conflict"
)

// Valid reports whether c is a recognized conflict status.
func (c ConflictStatus) Valid() bool {
	switch c {
	case ConflictNone, ConflictPending, ConflictCleared, ConflictConflict:
		return true
	}
	return false
}

// StatusCue is the availability signal extracted from an email, before any
// lifecycle rules are applied.
type StatusCue string

const (
	CueAvailable         StatusCue = "available"
	CueDeclined          StatusCue = "declined"
	CueConflict          StatusCue = "conflict"
	CueNotAFit           StatusCue = "not_a_fit"
	CueNoLongerAvailable StatusCue = "no_longer_available"
	CuePending           StatusCue = "pending"
	CueInterested        StatusCue = "interested"
	CueUnknown           StatusCue = "unknown"
)

// Valid reports whether c is a recognized status cue. Unrecognized cues from
// the model are coerced to CueUnknown at parse time, not rejected.
func (c StatusCue) Valid() bool {
	switch c {
	case CueAvailable, CueDeclined, CueConflict, CueNotAFit,
		CueNoLongerAvailable, CuePending, CueInterested, CueUnknown:
		return true
	}
	return false
}

// Confidence is the coarse three-level confidence tier attached to extracted
// fields and to screening results.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

var confidenceRank = map[Confidence]int{
	ConfidenceLow:    1,
	ConfidenceMedium: 2,
	ConfidenceHigh:   3,
}

// Valid reports whether c is a recognized confidence tier.
func (c Confidence) Valid() bool { return confidenceRank[c] != 0 }

// Rank returns the ordinal rank of c, with low=1 and high=3. Unknown tiers
// rank 0 so they never win an overwrite comparison.
func (c Confidence) Rank() int { return confidenceRank[c] }

// MatchType classifies how a fuzzy match was made.
type MatchType string

const (
	MatchStrongNameEmployer MatchType = "strong_name_employer"
	MatchMediumNameRoles    MatchType = "medium_name_roles"
	MatchFuzzyNameEmployer  MatchType = "fuzzy_name_employer"
)

// Valid reports whether m is a recognized match type.
func (m MatchType) Valid() bool {
	switch m {
	case MatchStrongNameEmployer, MatchMediumNameRoles, MatchFuzzyNameEmployer:
		return true
	}
	return false
}

// Action is the reconciliation outcome for a single extracted candidate.
type Action string

const (
	ActionAdded       Action = "added"
	ActionUpdated     Action = "updated"
	ActionMerged      Action = "merged"
	ActionNeedsReview Action = "needs_review"
)

// Valid reports whether a is a recognized action.
func (a Action) Valid() bool {
	switch a {
	case ActionAdded, ActionUpdated, ActionMerged, ActionNeedsReview:
		return true
	}
	return false
}

// Grade is the screening outcome band.
type Grade string

const (
	GradeStrong Grade = "strong"
	GradeMixed  Grade = "mixed"
	GradeWeak   Grade = "weak"
)

// Valid reports whether g is a recognized grade.
func (g Grade) Valid() bool {
	return g == GradeStrong || g == GradeMixed || g == GradeWeak
}

// DedupeStatus is the resolution state of a duplicate candidate pair.
type DedupeStatus string

const (
	DedupePending DedupeStatus = "pending"
	DedupeMerged  DedupeStatus = "merged"
	DedupeNotSame DedupeStatus = "not_same"
)

// Valid reports whether d is a recognized dedupe status.
func (d DedupeStatus) Valid() bool {
	return d == DedupePending || d == DedupeMerged || d == DedupeNotSame
}
