package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the store uses. Tests inject a
// pgxmock.PgxPoolIface through it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_project":     `SELECT id, name, hypothesis, networks, screener, created_at, updated_at FROM projects WHERE id = $1`,
	"list_experts":    selectExpertPostgres + ` WHERE project_id = $1 ORDER BY created_at`,
	"get_expert":      selectExpertPostgres + ` WHERE id = $1`,
	"seen_email":      `SELECT 1 FROM scanned_emails WHERE email_hash = $1`,
	"insert_source":   `INSERT INTO expert_sources (id, expert_id, email_id, email_date, network, raw_extraction, status_cue, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"save_screening":  `UPDATE experts SET screening = $1, updated_at = $2 WHERE id = $3`,
	"list_candidates": `SELECT id, project_id, expert_a, expert_b, score, match_type, status, created_at, resolved_at FROM dedupe_candidates WHERE project_id = $1 AND status = $2 ORDER BY score DESC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	hypothesis TEXT NOT NULL DEFAULT '',
	networks   JSONB,
	screener   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	availability          JSONB,
	scheduled_at          TIMESTAMPTZ,
	call_notes            TEXT NOT NULL DEFAULT '',
	screening             JSONB,
	legacy_recommendation TEXT NOT NULL DEFAULT '',
	legacy_rationale      TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS expert_sources (
	id             TEXT PRIMARY KEY,
	expert_id      TEXT NOT NULL REFERENCES experts(id) ON DELETE CASCADE,
	email_id       TEXT NOT NULL,
	email_date     TIMESTAMPTZ,
	network        TEXT NOT NULL DEFAULT '',
	raw_extraction TEXT NOT NULL,
	status_cue     TEXT NOT NULL DEFAULT 'unknown',
	created_at     TIMESTAMPTZ NOT NULL
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
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dedupe_candidates (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id),
	expert_a    TEXT NOT NULL,
	expert_b    TEXT NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	match_type  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ingestion_logs (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	email_id   TEXT NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	entries    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	undone_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scanned_emails (
	email_hash TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	scanned_at TIMESTAMPTZ NOT NULL
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
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, p *model.Project) error {
	networksJSON, screenerJSON, err := marshalProjectBlobs(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, hypothesis, networks, screener, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.Hypothesis, networksJSON, screenerJSON, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert project")
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, hypothesis, networks, screener, created_at, updated_at
		 FROM projects WHERE id = $1`, id)
	return scanProjectPgx(row)
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, hypothesis, networks, screener, created_at, updated_at
		 FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProjectPgx(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *model.Project) error {
	networksJSON, screenerJSON, err := marshalProjectBlobs(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET name = $1, hypothesis = $2, networks = $3, screener = $4, updated_at = $5
		 WHERE id = $6`,
		p.Name, p.Hypothesis, networksJSON, screenerJSON, time.Now().UTC(), p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update project %s", p.ID)
	}
	return checkTagAffected(tag, "project", p.ID)
}

// Experts

const selectExpertPostgres = `SELECT id, project_id, name, employer, title, network, status,
	conflict_status, conflict_id, availability, scheduled_at, call_notes, screening,
	legacy_recommendation, legacy_rationale, created_at, updated_at FROM experts`

func (s *PostgresStore) ListExperts(ctx context.Context, projectID string) ([]model.Expert, error) {
	rows, err := s.pool.Query(ctx, selectExpertPostgres+` WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list experts")
	}
	defer rows.Close()

	var experts []model.Expert
	for rows.Next() {
		e, err := scanExpertPgx(rows)
		if err != nil {
			return nil, err
		}
		experts = append(experts, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list experts iterate")
	}

	for i := range experts {
		if err := s.loadExpertChildren(ctx, &experts[i]); err != nil {
			return nil, err
		}
	}
	return experts, nil
}

func (s *PostgresStore) GetExpert(ctx context.Context, id string) (*model.Expert, error) {
	row := s.pool.QueryRow(ctx, selectExpertPostgres+` WHERE id = $1`, id)
	e, err := scanExpertPgx(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadExpertChildren(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) loadExpertChildren(ctx context.Context, e *model.Expert) error {
	srcRows, err := s.pool.Query(ctx,
		`SELECT id, expert_id, email_id, email_date, network, raw_extraction, status_cue, created_at
		 FROM expert_sources WHERE expert_id = $1 ORDER BY created_at`, e.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load sources")
	}
	for srcRows.Next() {
		var src model.ExpertSource
		if err := srcRows.Scan(&src.ID, &src.ExpertID, &src.EmailID, &src.EmailDate,
			&src.Network, &src.RawExtraction, &src.StatusCue, &src.CreatedAt); err != nil {
			srcRows.Close()
			return eris.Wrap(err, "postgres: scan source")
		}
		e.Sources = append(e.Sources, src)
	}
	srcRows.Close()
	if err := srcRows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load sources iterate")
	}

	for i := range e.Sources {
		provRows, err := s.pool.Query(ctx,
			`SELECT id, source_id, field, value, excerpt, start_off, end_off, confidence
			 FROM field_provenance WHERE source_id = $1`, e.Sources[i].ID)
		if err != nil {
			return eris.Wrap(err, "postgres: load provenance")
		}
		for provRows.Next() {
			var p model.FieldProvenance
			if err := provRows.Scan(&p.ID, &p.SourceID, &p.Field, &p.Value,
				&p.Excerpt, &p.Start, &p.End, &p.Confidence); err != nil {
				provRows.Close()
				return eris.Wrap(err, "postgres: scan provenance")
			}
			e.Sources[i].Provenance = append(e.Sources[i].Provenance, p)
		}
		provRows.Close()
		if err := provRows.Err(); err != nil {
			return eris.Wrap(err, "postgres: load provenance iterate")
		}
	}

	editRows, err := s.pool.Query(ctx,
		`SELECT id, expert_id, field, previous, value, created_at
		 FROM user_edits WHERE expert_id = $1 ORDER BY created_at`, e.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load user edits")
	}
	defer editRows.Close()
	for editRows.Next() {
		var edit model.UserEdit
		if err := editRows.Scan(&edit.ID, &edit.ExpertID, &edit.Field,
			&edit.Previous, &edit.Value, &edit.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: scan user edit")
		}
		e.UserEdits = append(e.UserEdits, edit)
	}
	return eris.Wrap(editRows.Err(), "postgres: load user edits iterate")
}

func (s *PostgresStore) UpdateExpertFields(ctx context.Context, expertID string, changes []model.FieldChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, ch := range changes {
		column, ok := expertColumns[ch.Field]
		if !ok {
			return eris.Errorf("postgres: field %q is not editable", ch.Field)
		}
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE experts SET %s = $1, updated_at = $2 WHERE id = $3`, column),
			ch.Value, now, expertID)
		if err != nil {
			return eris.Wrapf(err, "postgres: update expert field %s", ch.Field)
		}
		if err := checkTagAffected(tag, "expert", expertID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_edits (id, expert_id, field, previous, value, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			newID(), expertID, ch.Field, ch.Previous, ch.Value, now); err != nil {
			return eris.Wrap(err, "postgres: insert user edit")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit field updates")
}

func (s *PostgresStore) SetExpertStatus(ctx context.Context, expertID string, status model.Status) error {
	if !status.Valid() {
		return eris.Errorf("postgres: invalid status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experts SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), expertID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status for %s", expertID)
	}
	return checkTagAffected(tag, "expert", expertID)
}

func (s *PostgresStore) SaveScreening(ctx context.Context, expertID string, result *model.ScreeningResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal screening")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experts SET screening = $1, updated_at = $2 WHERE id = $3`,
		string(resultJSON), time.Now().UTC(), expertID)
	if err != nil {
		return eris.Wrapf(err, "postgres: save screening for %s", expertID)
	}
	return checkTagAffected(tag, "expert", expertID)
}

func (s *PostgresStore) DeleteExperts(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM experts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete experts")
	}
	return int(tag.RowsAffected()), nil
}

// Reconciliation

func (s *PostgresStore) ApplyChangeset(ctx context.Context, cs *model.Changeset) (*model.IngestionLog, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin changeset")
	}
	defer tx.Rollback(ctx)

	for i := range cs.Creates {
		if err := insertExpertPgx(ctx, tx, &cs.Creates[i]); err != nil {
			return nil, err
		}
	}

	for i := range cs.Updates {
		u := &cs.Updates[i]
		now := u.Source.CreatedAt
		for _, ch := range u.Changes {
			if ch.Field == "availability" {
				availJSON := marshalAvailability(strings.Split(ch.Value, "; "))
				if _, err := tx.Exec(ctx,
					`UPDATE experts SET availability = $1, updated_at = $2 WHERE id = $3`,
					availJSON, now, u.ExpertID); err != nil {
					return nil, eris.Wrap(err, "postgres: update availability")
				}
				continue
			}
			column, ok := expertColumns[ch.Field]
			if !ok {
				return nil, eris.Errorf("postgres: changeset field %q has no column", ch.Field)
			}
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`UPDATE experts SET %s = $1, updated_at = $2 WHERE id = $3`, column),
				ch.Value, now, u.ExpertID); err != nil {
				return nil, eris.Wrapf(err, "postgres: update expert %s field %s", u.ExpertID, ch.Field)
			}
		}
		if u.Status != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE experts SET status = $1, updated_at = $2 WHERE id = $3`,
				string(*u.Status), now, u.ExpertID); err != nil {
				return nil, eris.Wrap(err, "postgres: update status")
			}
		}
		if u.Conflict != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE experts SET conflict_status = $1, updated_at = $2 WHERE id = $3`,
				string(*u.Conflict), now, u.ExpertID); err != nil {
				return nil, eris.Wrap(err, "postgres: update conflict status")
			}
		}
		if err := insertSourcePgx(ctx, tx, &u.Source); err != nil {
			return nil, err
		}
	}

	for _, m := range cs.Merges {
		for _, stmt := range []string{
			`UPDATE expert_sources SET expert_id = $1 WHERE expert_id = $2`,
			`UPDATE user_edits SET expert_id = $1 WHERE expert_id = $2`,
		} {
			if _, err := tx.Exec(ctx, stmt, m.Kept, m.Merged); err != nil {
				return nil, eris.Wrap(err, "postgres: reassign merge children")
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM experts WHERE id = $1`, m.Merged); err != nil {
			return nil, eris.Wrapf(err, "postgres: delete merged expert %s", m.Merged)
		}
	}

	for _, c := range cs.Candidates {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dedupe_candidates (id, project_id, expert_a, expert_b, score, match_type, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.ProjectID, c.ExpertA, c.ExpertB, c.Score, string(c.MatchType),
			string(c.Status), c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: insert dedupe candidate")
		}
	}

	entriesJSON, err := json.Marshal(cs.Log.Entries)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal log entries")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ingestion_logs (id, project_id, email_id, summary, entries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.Log.ID, cs.Log.ProjectID, cs.Log.EmailID, cs.Log.Summary,
		string(entriesJSON), cs.Log.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: insert ingestion log")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit changeset")
	}
	return &cs.Log, nil
}

func insertExpertPgx(ctx context.Context, tx pgx.Tx, e *model.Expert) error {
	screeningJSON, err := marshalNullable(e.Screening)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal screening")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO experts (id, project_id, name, employer, title, network, status,
		   conflict_status, conflict_id, availability, scheduled_at, call_notes, screening,
		   legacy_recommendation, legacy_rationale, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.ProjectID, e.Name, e.Employer, e.Title, e.Network, string(e.Status),
		string(e.ConflictStatus), e.ConflictID, marshalAvailability(e.Availability),
		e.ScheduledAt, e.CallNotes, screeningJSON,
		e.LegacyRecommendation, e.LegacyRationale, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert expert %s", e.ID)
	}
	for i := range e.Sources {
		if err := insertSourcePgx(ctx, tx, &e.Sources[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertSourcePgx(ctx context.Context, tx pgx.Tx, src *model.ExpertSource) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO expert_sources (id, expert_id, email_id, email_date, network, raw_extraction, status_cue, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		src.ID, src.ExpertID, src.EmailID, src.EmailDate, src.Network,
		src.RawExtraction, string(src.StatusCue), src.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert source %s", src.ID)
	}
	for _, p := range src.Provenance {
		if _, err := tx.Exec(ctx,
			`INSERT INTO field_provenance (id, source_id, field, value, excerpt, start_off, end_off, confidence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.SourceID, p.Field, p.Value, p.Excerpt, p.Start, p.End, string(p.Confidence),
		); err != nil {
			return eris.Wrap(err, "postgres: insert provenance")
		}
	}
	return nil
}

// Duplicate candidates

func (s *PostgresStore) ListDedupeCandidates(ctx context.Context, projectID string, status model.DedupeStatus) ([]model.DedupeCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, expert_a, expert_b, score, match_type, status, created_at, resolved_at
		 FROM dedupe_candidates WHERE project_id = $1 AND status = $2 ORDER BY score DESC`,
		projectID, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dedupe candidates")
	}
	defer rows.Close()

	var candidates []model.DedupeCandidate
	for rows.Next() {
		c, err := scanCandidatePgx(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *c)
	}
	return candidates, eris.Wrap(rows.Err(), "postgres: list dedupe candidates iterate")
}

func (s *PostgresStore) GetDedupeCandidate(ctx context.Context, id string) (*model.DedupeCandidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, expert_a, expert_b, score, match_type, status, created_at, resolved_at
		 FROM dedupe_candidates WHERE id = $1`, id)
	return scanCandidatePgx(row)
}

func (s *PostgresStore) AddDedupeCandidates(ctx context.Context, candidates []model.DedupeCandidate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	for _, c := range candidates {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dedupe_candidates (id, project_id, expert_a, expert_b, score, match_type, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.ProjectID, c.ExpertA, c.ExpertB, c.Score, string(c.MatchType),
			string(c.Status), c.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: insert dedupe candidate")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit dedupe candidates")
}

func (s *PostgresStore) ResolveDedupeCandidate(ctx context.Context, id string, status model.DedupeStatus, resolvedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dedupe_candidates SET status = $1, resolved_at = $2 WHERE id = $3`,
		string(status), resolvedAt, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve dedupe candidate %s", id)
	}
	return checkTagAffected(tag, "dedupe_candidate", id)
}

func (s *PostgresStore) MergeExperts(ctx context.Context, keptID, mergedID, candidateID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin merge")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, stmt := range []string{
		`UPDATE expert_sources SET expert_id = $1 WHERE expert_id = $2`,
		`UPDATE user_edits SET expert_id = $1 WHERE expert_id = $2`,
	} {
		if _, err := tx.Exec(ctx, stmt, keptID, mergedID); err != nil {
			return eris.Wrap(err, "postgres: reassign merge children")
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM experts WHERE id = $1`, mergedID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete merged expert %s", mergedID)
	}
	if err := checkTagAffected(tag, "expert", mergedID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE experts SET updated_at = $1 WHERE id = $2`, now, keptID); err != nil {
		return eris.Wrap(err, "postgres: touch kept expert")
	}
	if candidateID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE dedupe_candidates SET status = $1, resolved_at = $2 WHERE id = $3`,
			string(model.DedupeMerged), now, candidateID); err != nil {
			return eris.Wrap(err, "postgres: resolve merged candidate")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit merge")
}

// Ledger

func (s *PostgresStore) ListIngestionLogs(ctx context.Context, projectID string, limit int) ([]model.IngestionLog, error) {
	query := `SELECT id, project_id, email_id, summary, entries, created_at, undone_at
	          FROM ingestion_logs WHERE project_id = $1 ORDER BY created_at DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ingestion logs")
	}
	defer rows.Close()

	var logs []model.IngestionLog
	for rows.Next() {
		l, err := scanLogPgx(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, eris.Wrap(rows.Err(), "postgres: list ingestion logs iterate")
}

func (s *PostgresStore) GetIngestionLog(ctx context.Context, id string) (*model.IngestionLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, project_id, email_id, summary, entries, created_at, undone_at
		 FROM ingestion_logs WHERE id = $1`, id)
	return scanLogPgx(row)
}

func (s *PostgresStore) MarkLogUndone(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_logs SET undone_at = $1 WHERE id = $2 AND undone_at IS NULL`,
		at, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark log undone %s", id)
	}
	return checkTagAffected(tag, "ingestion_log", id)
}

// Scan bookkeeping

func (s *PostgresStore) SeenEmail(ctx context.Context, emailHash string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM scanned_emails WHERE email_hash = $1`, emailHash).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: seen email")
	}
	return true, nil
}

func (s *PostgresStore) MarkEmailSeen(ctx context.Context, emailHash, projectID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scanned_emails (email_hash, project_id, scanned_at) VALUES ($1, $2, $3)
		 ON CONFLICT (email_hash) DO UPDATE SET scanned_at = excluded.scanned_at`,
		emailHash, projectID, at)
	return eris.Wrap(err, "postgres: mark email seen")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, project_id, email_id, subject, body, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.ProjectID, entry.EmailID, entry.Subject, entry.Body,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, project_id, email_id, subject, body, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any
	n := 0
	if filter.ProjectID != "" {
		n++
		query += fmt.Sprintf(` AND project_id = $%d`, n)
		args = append(args, filter.ProjectID)
	}
	if filter.ErrorType != "" {
		n++
		query += fmt.Sprintf(` AND error_type = $%d`, n)
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EmailID, &e.Subject, &e.Body,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = $3
		 WHERE id = $4`,
		nextRetryAt, lastErr, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	return checkTagAffected(tag, "dlq_entry", id)
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

// helpers

func checkTagAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func scanProjectPgx(row pgx.Row) (*model.Project, error) {
	var p model.Project
	var networksJSON, screenerJSON []byte

	err := row.Scan(&p.ID, &p.Name, &p.Hypothesis, &networksJSON, &screenerJSON,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan project")
	}

	if len(networksJSON) > 0 {
		if err := json.Unmarshal(networksJSON, &p.Networks); err != nil {
			return nil, eris.Wrap(err, "unmarshal networks")
		}
	}
	if len(screenerJSON) > 0 {
		p.Screener = &model.ScreenerConfig{}
		if err := json.Unmarshal(screenerJSON, p.Screener); err != nil {
			return nil, eris.Wrap(err, "unmarshal screener")
		}
	}
	return &p, nil
}

func scanExpertPgx(row pgx.Row) (*model.Expert, error) {
	var e model.Expert
	var availJSON, screeningJSON []byte

	err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Employer, &e.Title, &e.Network,
		&e.Status, &e.ConflictStatus, &e.ConflictID, &availJSON, &e.ScheduledAt,
		&e.CallNotes, &screeningJSON, &e.LegacyRecommendation, &e.LegacyRationale,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan expert")
	}

	if len(availJSON) > 0 {
		if err := json.Unmarshal(availJSON, &e.Availability); err != nil {
			return nil, eris.Wrap(err, "unmarshal availability")
		}
	}
	if len(screeningJSON) > 0 {
		e.Screening = &model.ScreeningResult{}
		if err := json.Unmarshal(screeningJSON, e.Screening); err != nil {
			return nil, eris.Wrap(err, "unmarshal screening")
		}
	}
	return &e, nil
}

func scanCandidatePgx(row pgx.Row) (*model.DedupeCandidate, error) {
	var c model.DedupeCandidate

	err := row.Scan(&c.ID, &c.ProjectID, &c.ExpertA, &c.ExpertB, &c.Score,
		&c.MatchType, &c.Status, &c.CreatedAt, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan dedupe candidate")
	}
	return &c, nil
}

func scanLogPgx(row pgx.Row) (*model.IngestionLog, error) {
	var l model.IngestionLog
	var entriesJSON []byte

	err := row.Scan(&l.ID, &l.ProjectID, &l.EmailID, &l.Summary, &entriesJSON,
		&l.CreatedAt, &l.UndoneAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan ingestion log")
	}
	if err := json.Unmarshal(entriesJSON, &l.Entries); err != nil {
		return nil, eris.Wrap(err, "unmarshal log entries")
	}
	return &l, nil
}
