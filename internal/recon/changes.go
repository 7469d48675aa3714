package recon

import (
	"sort"
	"strings"

	"github.com/sells-group/expert-tracker/internal/model"
)

// unknownValues are extraction outputs that carry no information. A canonical
// field is never overwritten with one of these.
var unknownValues = map[string]bool{
	"":              true,
	"unknown":       true,
	"n/a":           true,
	"none":          true,
	"tbd":           true,
	"pending":       true,
	"not specified": true,
}

// meaningful reports whether an extracted value carries real information.
func meaningful(value string) bool {
	return !unknownValues[strings.ToLower(strings.TrimSpace(value))]
}

// changed reports whether a new value differs from the current one, ignoring
// case and surrounding whitespace.
func changed(current, next string) bool {
	return !strings.EqualFold(strings.TrimSpace(current), strings.TrimSpace(next))
}

// availabilityChanged compares availability windows as unordered sets.
func availabilityChanged(current, next []string) bool {
	return availabilityKey(current) != availabilityKey(next)
}

func availabilityKey(windows []string) string {
	cleaned := make([]string, 0, len(windows))
	for _, w := range windows {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			cleaned = append(cleaned, w)
		}
	}
	sort.Strings(cleaned)
	return strings.Join(cleaned, "; ")
}

// fieldConfidence returns the confidence tier of the most recent provenance
// row that set the current value of field. Fields with no recorded provenance
// (seeded manually or by legacy imports) rank as low so fresh evidence can
// replace them.
func fieldConfidence(e *model.Expert, field string) model.Confidence {
	best := model.ConfidenceLow
	found := false
	for i := len(e.Sources) - 1; i >= 0 && !found; i-- {
		for _, p := range e.Sources[i].Provenance {
			if p.Field == field {
				best = p.Confidence
				found = true
				break
			}
		}
	}
	if !best.Valid() {
		return model.ConfidenceLow
	}
	return best
}

// shouldOverwrite decides whether a canonical field takes the new value.
// User edits always win; otherwise the new value must be meaningful, actually
// different, and backed by confidence at least as strong as whatever set the
// current value. Empty fields accept any meaningful value.
func shouldOverwrite(e *model.Expert, field, current, next string, conf model.Confidence, edited map[string]bool) bool {
	if edited[field] {
		return false
	}
	if !meaningful(next) {
		return false
	}
	if !changed(current, next) {
		return false
	}
	if strings.TrimSpace(current) == "" {
		return true
	}
	return conf.Rank() >= fieldConfidence(e, field).Rank()
}
