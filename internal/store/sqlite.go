package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	hypothesis TEXT NOT NULL DEFAULT '',
	networks   TEXT,
	screener   TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS experts (
	id                    TEXT PRIMARY KEY,
	project_id            TEXT NOT NULL REFERENCES projects(id),
	name                  TEXT NOT NULL,
	employer              TEXT NOT NULL DEFAULT '',
	title                 TEXT NOT NULL DEFAULT '',
	network               TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'recommended',
	conflict_status       TEXT NOT NULL DEFAULT 'none',
	conflict_id           TEXT NOT NULL DEFAULT '',
	availability          TEXT,
	scheduled_at          DATETIME,
	call_notes            TEXT NOT NULL DEFAULT '',
	screening             TEXT,
	legacy_recommendation TEXT NOT NULL DEFAULT '',
	legacy_rationale      TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS expert_sources (
	id             TEXT PRIMARY KEY,
	expert_id      TEXT NOT NULL REFERENCES experts(id) ON DELETE CASCADE,
	email_id       TEXT NOT NULL,
	email_date     DATETIME,
	network        TEXT NOT NULL DEFAULT '',
	raw_extraction TEXT NOT NULL,
	status_cue     TEXT NOT NULL DEFAULT 'unknown',
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_provenance (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL REFERENCES expert_sources(id) ON DELETE CASCADE,
	field      TEXT NOT NULL,
	value      TEXT NOT NULL,
	excerpt    TEXT NOT NULL DEFAULT '',
	start_off  INTEGER NOT NULL DEFAULT 0,
	end_off    INTEGER NOT NULL DEFAULT 0,
	confidence TEXT NOT NULL DEFAULT 'low'
);

CREATE TABLE IF NOT EXISTS user_edits (
	id         TEXT PRIMARY KEY,
	expert_id  TEXT NOT NULL REFERENCES experts(id) ON DELETE CASCADE,
	field      TEXT NOT NULL,
	previous   TEXT NOT NULL DEFAULT '',
	value      TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dedupe_candidates (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id),
	expert_a    TEXT NOT NULL,
	expert_b    TEXT NOT NULL,
	score       REAL NOT NULL,
	match_type  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS ingestion_logs (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	email_id   TEXT NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	entries    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	undone_at  DATETIME
);

CREATE TABLE IF NOT EXISTS scanned_emails (
	email_hash TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	scanned_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	email_id       TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experts_project ON experts(project_id);
CREATE INDEX IF NOT EXISTS idx_experts_status ON experts(project_id, status);
CREATE INDEX IF NOT EXISTS idx_sources_expert ON expert_sources(expert_id);
CREATE INDEX IF NOT EXISTS idx_provenance_source ON field_provenance(source_id);
CREATE INDEX IF NOT EXISTS idx_user_edits_expert ON user_edits(expert_id);
CREATE INDEX IF NOT EXISTS idx_dedupe_project_status ON dedupe_candidates(project_id, status);
CREATE INDEX IF NOT EXISTS idx_logs_project_created ON ingestion_logs(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Projects

func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	networksJSON, screenerJSON, err := marshalProjectBlobs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, hypothesis, networks, screener, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Hypothesis, networksJSON, screenerJSON, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert project")
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, hypothesis, networks, screener, created_at, updated_at
		 FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, hypothesis, networks, screener, created_at, updated_at
		 FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	networksJSON, screenerJSON, err := marshalProjectBlobs(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, hypothesis = ?, networks = ?, screener = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Hypothesis, networksJSON, screenerJSON, time.Now().UTC(), p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update project %s", p.ID)
	}
	return checkRowsAffected(res, "project", p.ID)
}

// Experts

func (s *SQLiteStore) ListExperts(ctx context.Context, projectID string) ([]model.Expert, error) {
	rows, err := s.db.QueryContext(ctx, selectExpertSQLite+` WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list experts")
	}
	defer rows.Close()

	var experts []model.Expert
	for rows.Next() {
		e, err := scanExpert(rows)
		if err != nil {
			return nil, err
		}
		experts = append(experts, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list experts iterate")
	}

	for i := range experts {
		if err := s.loadExpertChildren(ctx, &experts[i]); err != nil {
			return nil, err
		}
	}
	return experts, nil
}

func (s *SQLiteStore) GetExpert(ctx context.Context, id string) (*model.Expert, error) {
	row := s.db.QueryRowContext(ctx, selectExpertSQLite+` WHERE id = ?`, id)
	e, err := scanExpert(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadExpertChildren(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

const selectExpertSQLite = `SELECT id, project_id, name, employer, title, network, status,
	conflict_status, conflict_id, availability, scheduled_at, call_notes, screening,
	legacy_recommendation, legacy_rationale, created_at, updated_at FROM experts`

func (s *SQLiteStore) loadExpertChildren(ctx context.Context, e *model.Expert) error {
	srcRows, err := s.db.QueryContext(ctx,
		`SELECT id, expert_id, email_id, email_date, network, raw_extraction, status_cue, created_at
		 FROM expert_sources WHERE expert_id = ? ORDER BY created_at`, e.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: load sources")
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var src model.ExpertSource
		var emailDate sql.NullTime
		if err := srcRows.Scan(&src.ID, &src.ExpertID, &src.EmailID, &emailDate,
			&src.Network, &src.RawExtraction, &src.StatusCue, &src.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: scan source")
		}
		if emailDate.Valid {
			d := emailDate.Time
			src.EmailDate = &d
		}
		e.Sources = append(e.Sources, src)
	}
	if err := srcRows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: load sources iterate")
	}

	for i := range e.Sources {
		provRows, err := s.db.QueryContext(ctx,
			`SELECT id, source_id, field, value, excerpt, start_off, end_off, confidence
			 FROM field_provenance WHERE source_id = ?`, e.Sources[i].ID)
		if err != nil {
			return eris.Wrap(err, "sqlite: load provenance")
		}
		for provRows.Next() {
			var p model.FieldProvenance
			if err := provRows.Scan(&p.ID, &p.SourceID, &p.Field, &p.Value,
				&p.Excerpt, &p.Start, &p.End, &p.Confidence); err != nil {
				provRows.Close()
				return eris.Wrap(err, "sqlite: scan provenance")
			}
			e.Sources[i].Provenance = append(e.Sources[i].Provenance, p)
		}
		if err := provRows.Err(); err != nil {
			provRows.Close()
			return eris.Wrap(err, "sqlite: load provenance iterate")
		}
		provRows.Close()
	}

	editRows, err := s.db.QueryContext(ctx,
		`SELECT id, expert_id, field, previous, value, created_at
		 FROM user_edits WHERE expert_id = ? ORDER BY created_at`, e.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: load user edits")
	}
	defer editRows.Close()

	for editRows.Next() {
		var edit model.UserEdit
		if err := editRows.Scan(&edit.ID, &edit.ExpertID, &edit.Field,
			&edit.Previous, &edit.Value, &edit.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: scan user edit")
		}
		e.UserEdits = append(e.UserEdits, edit)
	}
	return eris.Wrap(editRows.Err(), "sqlite: load user edits iterate")
}

// UpdateExpertFields applies manual field overrides and records a UserEdit
// for each so reconciliation will not silently overwrite them.
func (s *SQLiteStore) UpdateExpertFields(ctx context.Context, expertID string, changes []model.FieldChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, ch := range changes {
		column, ok := expertColumns[ch.Field]
		if !ok {
			return eris.Errorf("sqlite: field %q is not editable", ch.Field)
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE experts SET %s = ?, updated_at = ? WHERE id = ?`, column),
			ch.Value, now, expertID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update expert field %s", ch.Field)
		}
		if err := checkRowsAffected(res, "expert", expertID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_edits (id, expert_id, field, previous, value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			newID(), expertID, ch.Field, ch.Previous, ch.Value, now); err != nil {
			return eris.Wrap(err, "sqlite: insert user edit")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit field updates")
}

// expertColumns maps editable field names onto columns. Status and conflict
// fields have dedicated paths and are deliberately absent.
var expertColumns = map[string]string{
	"name":       "name",
	"employer":   "employer",
	"title":      "title",
	"network":    "network",
	"call_notes": "call_notes",
}

func (s *SQLiteStore) SetExpertStatus(ctx context.Context, expertID string, status model.Status) error {
	if !status.Valid() {
		return eris.Errorf("sqlite: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), expertID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status for %s", expertID)
	}
	return checkRowsAffected(res, "expert", expertID)
}

func (s *SQLiteStore) SaveScreening(ctx context.Context, expertID string, result *model.ScreeningResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal screening")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experts SET screening = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), time.Now().UTC(), expertID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save screening for %s", expertID)
	}
	return checkRowsAffected(res, "expert", expertID)
}

func (s *SQLiteStore) DeleteExperts(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM experts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete experts")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Reconciliation

func (s *SQLiteStore) ApplyChangeset(ctx context.Context, cs *model.Changeset) (*model.IngestionLog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin changeset")
	}
	defer tx.Rollback()

	for i := range cs.Creates {
		if err := insertExpertSQLite(ctx, tx, &cs.Creates[i]); err != nil {
			return nil, err
		}
	}

	for i := range cs.Updates {
		u := &cs.Updates[i]
		now := u.Source.CreatedAt
		for _, ch := range u.Changes {
			if ch.Field == "availability" {
				availJSON := marshalAvailability(strings.Split(ch.Value, "; "))
				if _, err := tx.ExecContext(ctx,
					`UPDATE experts SET availability = ?, updated_at = ? WHERE id = ?`,
					availJSON, now, u.ExpertID); err != nil {
					return nil, eris.Wrap(err, "sqlite: update availability")
				}
				continue
			}
			column, ok := expertColumns[ch.Field]
			if !ok {
				return nil, eris.Errorf("sqlite: changeset field %q has no column", ch.Field)
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE experts SET %s = ?, updated_at = ? WHERE id = ?`, column),
				ch.Value, now, u.ExpertID); err != nil {
				return nil, eris.Wrapf(err, "sqlite: update expert %s field %s", u.ExpertID, ch.Field)
			}
		}
		if u.Status != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE experts SET status = ?, updated_at = ? WHERE id = ?`,
				string(*u.Status), now, u.ExpertID); err != nil {
				return nil, eris.Wrap(err, "sqlite: update status")
			}
		}
		if u.Conflict != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE experts SET conflict_status = ?, updated_at = ? WHERE id = ?`,
				string(*u.Conflict), now, u.ExpertID); err != nil {
				return nil, eris.Wrap(err, "sqlite: update conflict status")
			}
		}
		if err := insertSourceSQLite(ctx, tx, &u.Source); err != nil {
			return nil, err
		}
	}

	for _, m := range cs.Merges {
		for _, stmt := range []string{
			`UPDATE expert_sources SET expert_id = ? WHERE expert_id = ?`,
			`UPDATE user_edits SET expert_id = ? WHERE expert_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, m.Kept, m.Merged); err != nil {
				return nil, eris.Wrap(err, "sqlite: reassign merge children")
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM experts WHERE id = ?`, m.Merged); err != nil {
			return nil, eris.Wrapf(err, "sqlite: delete merged expert %s", m.Merged)
		}
	}

	for _, c := range cs.Candidates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedupe_candidates (id, project_id, expert_a, expert_b, score, match_type, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectID, c.ExpertA, c.ExpertB, c.Score, string(c.MatchType),
			string(c.Status), c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: insert dedupe candidate")
		}
	}

	entriesJSON, err := json.Marshal(cs.Log.Entries)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal log entries")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingestion_logs (id, project_id, email_id, summary, entries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cs.Log.ID, cs.Log.ProjectID, cs.Log.EmailID, cs.Log.Summary,
		string(entriesJSON), cs.Log.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert ingestion log")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit changeset")
	}
	return &cs.Log, nil
}

func insertExpertSQLite(ctx context.Context, tx *sql.Tx, e *model.Expert) error {
	screeningJSON, err := marshalNullable(e.Screening)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal screening")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO experts (id, project_id, name, employer, title, network, status,
		   conflict_status, conflict_id, availability, scheduled_at, call_notes, screening,
		   legacy_recommendation, legacy_rationale, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Name, e.Employer, e.Title, e.Network, string(e.Status),
		string(e.ConflictStatus), e.ConflictID, marshalAvailability(e.Availability),
		e.ScheduledAt, e.CallNotes, screeningJSON,
		e.LegacyRecommendation, e.LegacyRationale, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert expert %s", e.ID)
	}
	for i := range e.Sources {
		if err := insertSourceSQLite(ctx, tx, &e.Sources[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertSourceSQLite(ctx context.Context, tx *sql.Tx, src *model.ExpertSource) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO expert_sources (id, expert_id, email_id, email_date, network, raw_extraction, status_cue, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.ExpertID, src.EmailID, src.EmailDate, src.Network,
		src.RawExtraction, string(src.StatusCue), src.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert source %s", src.ID)
	}
	for _, p := range src.Provenance {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_provenance (id, source_id, field, value, excerpt, start_off, end_off, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SourceID, p.Field, p.Value, p.Excerpt, p.Start, p.End, string(p.Confidence),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert provenance")
		}
	}
	return nil
}

// Duplicate candidates

func (s *SQLiteStore) ListDedupeCandidates(ctx context.Context, projectID string, status model.DedupeStatus) ([]model.DedupeCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, expert_a, expert_b, score, match_type, status, created_at, resolved_at
		 FROM dedupe_candidates WHERE project_id = ? AND status = ? ORDER BY score DESC`,
		projectID, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dedupe candidates")
	}
	defer rows.Close()

	var candidates []model.DedupeCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *c)
	}
	return candidates, eris.Wrap(rows.Err(), "sqlite: list dedupe candidates iterate")
}

func (s *SQLiteStore) GetDedupeCandidate(ctx context.Context, id string) (*model.DedupeCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, expert_a, expert_b, score, match_type, status, created_at, resolved_at
		 FROM dedupe_candidates WHERE id = ?`, id)
	return scanCandidate(row)
}

func (s *SQLiteStore) AddDedupeCandidates(ctx context.Context, candidates []model.DedupeCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedupe_candidates (id, project_id, expert_a, expert_b, score, match_type, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectID, c.ExpertA, c.ExpertB, c.Score, string(c.MatchType),
			string(c.Status), c.CreatedAt); err != nil {
			return eris.Wrap(err, "sqlite: insert dedupe candidate")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit dedupe candidates")
}

func (s *SQLiteStore) ResolveDedupeCandidate(ctx context.Context, id string, status model.DedupeStatus, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dedupe_candidates SET status = ?, resolved_at = ? WHERE id = ?`,
		string(status), resolvedAt, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve dedupe candidate %s", id)
	}
	return checkRowsAffected(res, "dedupe_candidate", id)
}

// MergeExperts reassigns everything the merged expert owns to the kept one,
// deletes the merged record, and resolves the candidate, all in one
// transaction.
func (s *SQLiteStore) MergeExperts(ctx context.Context, keptID, mergedID, candidateID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, stmt := range []string{
		`UPDATE expert_sources SET expert_id = ? WHERE expert_id = ?`,
		`UPDATE user_edits SET expert_id = ? WHERE expert_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, keptID, mergedID); err != nil {
			return eris.Wrap(err, "sqlite: reassign merge children")
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM experts WHERE id = ?`, mergedID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete merged expert %s", mergedID)
	}
	if err := checkRowsAffected(res, "expert", mergedID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE experts SET updated_at = ? WHERE id = ?`, now, keptID); err != nil {
		return eris.Wrap(err, "sqlite: touch kept expert")
	}
	if candidateID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dedupe_candidates SET status = ?, resolved_at = ? WHERE id = ?`,
			string(model.DedupeMerged), now, candidateID); err != nil {
			return eris.Wrap(err, "sqlite: resolve merged candidate")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit merge")
}

// Ledger

func (s *SQLiteStore) ListIngestionLogs(ctx context.Context, projectID string, limit int) ([]model.IngestionLog, error) {
	query := `SELECT id, project_id, email_id, summary, entries, created_at, undone_at
	          FROM ingestion_logs WHERE project_id = ? ORDER BY created_at DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ingestion logs")
	}
	defer rows.Close()

	var logs []model.IngestionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, eris.Wrap(rows.Err(), "sqlite: list ingestion logs iterate")
}

func (s *SQLiteStore) GetIngestionLog(ctx context.Context, id string) (*model.IngestionLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, email_id, summary, entries, created_at, undone_at
		 FROM ingestion_logs WHERE id = ?`, id)
	return scanLog(row)
}

func (s *SQLiteStore) MarkLogUndone(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_logs SET undone_at = ? WHERE id = ? AND undone_at IS NULL`,
		at, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark log undone %s", id)
	}
	return checkRowsAffected(res, "ingestion_log", id)
}

// Scan bookkeeping

func (s *SQLiteStore) SeenEmail(ctx context.Context, emailHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM scanned_emails WHERE email_hash = ?`, emailHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: seen email")
	}
	return true, nil
}

func (s *SQLiteStore) MarkEmailSeen(ctx context.Context, emailHash, projectID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scanned_emails (email_hash, project_id, scanned_at) VALUES (?, ?, ?)
		 ON CONFLICT (email_hash) DO UPDATE SET scanned_at = excluded.scanned_at`,
		emailHash, projectID, at)
	return eris.Wrap(err, "sqlite: mark email seen")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, project_id, email_id, subject, body, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.ProjectID, entry.EmailID, entry.Subject, entry.Body,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, project_id, email_id, subject, body, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EmailID, &e.Subject, &e.Body,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt, lastErr, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

// helpers

func newID() string {
	return uuid.New().String()
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProject(row scannable) (*model.Project, error) {
	var p model.Project
	var networksJSON, screenerJSON sql.NullString

	err := row.Scan(&p.ID, &p.Name, &p.Hypothesis, &networksJSON, &screenerJSON,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan project")
	}

	if networksJSON.Valid && networksJSON.String != "" {
		if err := json.Unmarshal([]byte(networksJSON.String), &p.Networks); err != nil {
			return nil, eris.Wrap(err, "unmarshal networks")
		}
	}
	if screenerJSON.Valid && screenerJSON.String != "" {
		p.Screener = &model.ScreenerConfig{}
		if err := json.Unmarshal([]byte(screenerJSON.String), p.Screener); err != nil {
			return nil, eris.Wrap(err, "unmarshal screener")
		}
	}
	return &p, nil
}

func scanExpert(row scannable) (*model.Expert, error) {
	var e model.Expert
	var availJSON, screeningJSON sql.NullString
	var scheduledAt sql.NullTime

	err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Employer, &e.Title, &e.Network,
		&e.Status, &e.ConflictStatus, &e.ConflictID, &availJSON, &scheduledAt,
		&e.CallNotes, &screeningJSON, &e.LegacyRecommendation, &e.LegacyRationale,
		&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan expert")
	}

	if availJSON.Valid && availJSON.String != "" {
		if err := json.Unmarshal([]byte(availJSON.String), &e.Availability); err != nil {
			return nil, eris.Wrap(err, "unmarshal availability")
		}
	}
	if screeningJSON.Valid && screeningJSON.String != "" {
		e.Screening = &model.ScreeningResult{}
		if err := json.Unmarshal([]byte(screeningJSON.String), e.Screening); err != nil {
			return nil, eris.Wrap(err, "unmarshal screening")
		}
	}
	if scheduledAt.Valid {
		d := scheduledAt.Time
		e.ScheduledAt = &d
	}
	return &e, nil
}

func scanCandidate(row scannable) (*model.DedupeCandidate, error) {
	var c model.DedupeCandidate
	var resolvedAt sql.NullTime

	err := row.Scan(&c.ID, &c.ProjectID, &c.ExpertA, &c.ExpertB, &c.Score,
		&c.MatchType, &c.Status, &c.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan dedupe candidate")
	}
	if resolvedAt.Valid {
		d := resolvedAt.Time
		c.ResolvedAt = &d
	}
	return &c, nil
}

func scanLog(row scannable) (*model.IngestionLog, error) {
	var l model.IngestionLog
	var entriesJSON string
	var undoneAt sql.NullTime

	err := row.Scan(&l.ID, &l.ProjectID, &l.EmailID, &l.Summary, &entriesJSON,
		&l.CreatedAt, &undoneAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan ingestion log")
	}
	if err := json.Unmarshal([]byte(entriesJSON), &l.Entries); err != nil {
		return nil, eris.Wrap(err, "unmarshal log entries")
	}
	if undoneAt.Valid {
		d := undoneAt.Time
		l.UndoneAt = &d
	}
	return &l, nil
}

func marshalProjectBlobs(p *model.Project) (networks, screener any, err error) {
	networks, screener = nil, nil
	if len(p.Networks) > 0 {
		data, err := json.Marshal(p.Networks)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal networks")
		}
		networks = string(data)
	}
	if p.Screener != nil {
		data, err := json.Marshal(p.Screener)
		if err != nil {
			return nil, nil, eris.Wrap(err, "marshal screener")
		}
		screener = string(data)
	}
	return networks, screener, nil
}

func marshalAvailability(windows []string) any {
	if len(windows) == 0 {
		return nil
	}
	data, err := json.Marshal(windows)
	if err != nil {
		return nil
	}
	return string(data)
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *model.ScreeningResult:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
