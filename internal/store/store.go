// Package store persists the canonical roster, its evidence trail, and the
// ingestion ledger. Two backends exist: SQLite for single-user setups and
// Postgres for shared ones.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/resilience"
)

// Store defines the persistence interface for the expert tracker.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error

	// Experts. ListExperts and GetExpert return full records: sources,
	// provenance, and user edits included.
	ListExperts(ctx context.Context, projectID string) ([]model.Expert, error)
	GetExpert(ctx context.Context, id string) (*model.Expert, error)
	UpdateExpertFields(ctx context.Context, expertID string, changes []model.FieldChange) error
	SetExpertStatus(ctx context.Context, expertID string, status model.Status) error
	SaveScreening(ctx context.Context, expertID string, result *model.ScreeningResult) error
	DeleteExperts(ctx context.Context, ids []string) (int, error)

	// Reconciliation. The whole changeset lands in one transaction.
	ApplyChangeset(ctx context.Context, cs *model.Changeset) (*model.IngestionLog, error)

	// Duplicate candidates
	ListDedupeCandidates(ctx context.Context, projectID string, status model.DedupeStatus) ([]model.DedupeCandidate, error)
	GetDedupeCandidate(ctx context.Context, id string) (*model.DedupeCandidate, error)
	AddDedupeCandidates(ctx context.Context, candidates []model.DedupeCandidate) error
	ResolveDedupeCandidate(ctx context.Context, id string, status model.DedupeStatus, resolvedAt time.Time) error
	MergeExperts(ctx context.Context, keptID, mergedID, candidateID string) error

	// Ingestion ledger, newest first.
	ListIngestionLogs(ctx context.Context, projectID string, limit int) ([]model.IngestionLog, error)
	GetIngestionLog(ctx context.Context, id string) (*model.IngestionLog, error)
	MarkLogUndone(ctx context.Context, id string, at time.Time) error

	// Scan bookkeeping
	SeenEmail(ctx context.Context, emailHash string) (bool, error)
	MarkEmailSeen(ctx context.Context, emailHash, projectID string, at time.Time) error

	// Dead letter queue for failed email ingestions
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// UndoResult reports what a compensating undo actually removed.
type UndoResult struct {
	LogID   string   `json:"log_id"`
	Deleted []string `json:"deleted"`
}

// UndoBatch is the best-effort reversal of one ingestion batch: it deletes
// the experts that batch added and marks the log undone. It refuses when a
// later batch touched any of those experts, since deleting them would silently
// discard the later evidence. Updated and merged entries are never reversed;
// bulk delete is the fallback for those.
func UndoBatch(ctx context.Context, s Store, logID string) (*UndoResult, error) {
	log, err := s.GetIngestionLog(ctx, logID)
	if err != nil {
		return nil, eris.Wrap(err, "store: load ingestion log")
	}
	if log.UndoneAt != nil {
		return nil, eris.Errorf("store: batch %s already undone", logID)
	}

	added := make(map[string]bool)
	for _, entry := range log.Entries {
		if entry.Action == model.ActionAdded || entry.Action == model.ActionNeedsReview {
			added[entry.ExpertID] = true
		}
	}
	if len(added) == 0 {
		return nil, eris.Errorf("store: batch %s added no experts, nothing to undo", logID)
	}

	// Any later batch that touched one of these experts makes the undo unsafe.
	later, err := s.ListIngestionLogs(ctx, log.ProjectID, 0)
	if err != nil {
		return nil, eris.Wrap(err, "store: list ingestion logs")
	}
	for _, other := range later {
		if other.ID == log.ID || !other.CreatedAt.After(log.CreatedAt) {
			continue
		}
		for _, entry := range other.Entries {
			if added[entry.ExpertID] {
				return nil, eris.Errorf("store: batch %s touched expert %s after batch %s, refusing undo",
					other.ID, entry.ExpertID, logID)
			}
		}
	}

	ids := make([]string, 0, len(added))
	for id := range added {
		ids = append(ids, id)
	}
	if _, err := s.DeleteExperts(ctx, ids); err != nil {
		return nil, eris.Wrap(err, "store: delete experts")
	}
	if err := s.MarkLogUndone(ctx, logID, time.Now().UTC()); err != nil {
		return nil, eris.Wrap(err, "store: mark log undone")
	}
	return &UndoResult{LogID: logID, Deleted: ids}, nil
}

// New opens the backend selected by driver.
func New(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, databaseURL, nil)
	case "sqlite", "":
		return NewSQLite(sqlitePath)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
