// Package export writes a project roster to CSV or XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/expert-tracker/internal/model"
)

// rosterColumns defines the ordered export columns. Consumers key off the
// header names, so the order is stable.
var rosterColumns = []string{
	"Name",
	"Employer",
	"Title",
	"Network",
	"Status",
	"Conflict Status",
	"Conflict ID",
	"Availability",
	"Interview Date",
	"Call Notes",
	"Screening Grade",
	"Screening Score",
	"Screening Rationale",
	"AI Recommendation",
	"AI Rationale",
	"Source Count",
	"Created At",
	"Updated At",
}

// WriteCSV writes the roster as CSV, newest expert first.
func WriteCSV(w io.Writer, experts []model.Expert) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(rosterColumns); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, e := range sortedNewestFirst(experts) {
		if err := cw.Write(buildRow(&e)); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}

	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush")
}

// buildRow maps an Expert to an export row, one cell per rosterColumns entry.
func buildRow(e *model.Expert) []string {
	var grade, score, rationale string
	if e.Screening != nil {
		grade = string(e.Screening.Grade)
		score = fmt.Sprintf("%.1f", e.Screening.Score)
		rationale = e.Screening.Rationale
	}
	var scheduled string
	if e.ScheduledAt != nil {
		scheduled = e.ScheduledAt.UTC().Format(time.RFC3339)
	}

	return []string{
		e.Name,
		e.Employer,
		e.Title,
		e.Network,
		string(e.Status),
		string(e.ConflictStatus),
		e.ConflictID,
		strings.Join(e.Availability, "; "),
		scheduled,
		e.CallNotes,
		grade,
		score,
		rationale,
		e.LegacyRecommendation,
		e.LegacyRationale,
		fmt.Sprintf("%d", len(e.Sources)),
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func sortedNewestFirst(experts []model.Expert) []model.Expert {
	out := make([]model.Expert, len(experts))
	copy(out, experts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
