package recon

import "github.com/sells-group/expert-tracker/internal/model"

// initialStatus maps an extraction status cue to the lifecycle status a brand
// new expert starts in.
func initialStatus(cue model.StatusCue) model.Status {
	switch cue {
	case model.CueDeclined, model.CueNoLongerAvailable:
		return model.StatusDeclined
	case model.CueConflict:
		return model.StatusConflict
	case model.CueNotAFit:
		return model.StatusScreenedOut
	case model.CuePending:
		return model.StatusAwaitingScreeners
	default:
		// available, interested, unknown
		return model.StatusRecommended
	}
}

// statusTransition returns the status an existing expert should move to in
// reaction to a cue, or nil when the cue carries no transition. Human
// workflow states (requested, scheduled, completed) are never advanced or
// reverted here.
func statusTransition(current model.Status, cue model.StatusCue) *model.Status {
	if current.UserDriven() {
		return nil
	}

	var next model.Status
	switch cue {
	case model.CueAvailable, model.CueInterested:
		next = model.StatusRecommended
	case model.CuePending:
		next = model.StatusAwaitingScreeners
	case model.CueDeclined, model.CueConflict, model.CueNotAFit, model.CueNoLongerAvailable:
		next = model.StatusDeclined
	default:
		return nil
	}

	if next == current {
		return nil
	}
	return &next
}

// conflictTransition returns the conflict status an expert should move to, or
// nil when nothing about conflicts was extracted. A conflict cue always wins
// over the extracted conflict_status field.
func conflictTransition(current model.ConflictStatus, extracted model.ConflictStatus, cue model.StatusCue) *model.ConflictStatus {
	next := extracted
	if cue == model.CueConflict {
		next = model.ConflictConflict
	}
	if next == model.ConflictNone || next == current {
		return nil
	}
	return &next
}
