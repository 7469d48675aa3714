package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expert-tracker/internal/config"
	"github.com/sells-group/expert-tracker/internal/extract"
	"github.com/sells-group/expert-tracker/internal/match"
	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/recon"
	"github.com/sells-group/expert-tracker/internal/screen"
	"github.com/sells-group/expert-tracker/internal/store"
	"github.com/sells-group/expert-tracker/pkg/anthropic"
	anthropicmocks "github.com/sells-group/expert-tracker/pkg/anthropic/mocks"
)

// queuedExtractor returns queued extractions in order.
type queuedExtractor struct {
	queue []*model.EmailExtraction
}

func (q *queuedExtractor) Extract(_ context.Context, in extract.Input) (*model.EmailExtraction, error) {
	if len(q.queue) == 0 {
		return nil, &model.ExtractionError{EmailID: in.EmailID, Reason: "no queued extraction"}
	}
	next := q.queue[0]
	q.queue = q.queue[1:]
	return next, nil
}

func newTestEnv(t *testing.T, extractions ...*model.EmailExtraction) *appEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	fx := &queuedExtractor{queue: extractions}
	aiClient := anthropicmocks.NewMockClient(t)

	return &appEnv{
		Store:     st,
		Recon:     recon.New(st, fx, match.DefaultThresholds()),
		Screening: screen.New(st, aiClient, config.AnthropicConfig{SonnetModel: "claude-sonnet-4-5-20250929"}, config.ScreeningConfig{StrongMin: 80, MixedMin: 45, Concurrency: 1}),
	}
}

func seedTestProject(t *testing.T, env *appEnv) *model.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &model.Project{
		ID:         "proj-1",
		Name:       "Payments diligence",
		Hypothesis: "Mid-market payment processor consolidation",
		Screener: &model.ScreenerConfig{Questions: []model.ScreenerQuestion{
			{ID: "q1", Order: 1, Text: "Have you evaluated payment processors?", Weight: 1.0},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.Store.CreateProject(context.Background(), p))
	return p
}

func singleExpertExtraction(name, employer string) *model.EmailExtraction {
	return &model.EmailExtraction{
		InferredNetwork:   "alphasights",
		NetworkConfidence: model.ConfidenceHigh,
		Experts: []model.ExtractedExpert{{
			Name:              model.Provenance{Value: name, Excerpt: name, Confidence: model.ConfidenceHigh},
			Employer:          model.Provenance{Value: employer, Excerpt: employer, Confidence: model.ConfidenceHigh},
			ConflictStatus:    model.ConflictNone,
			StatusCue:         model.CueAvailable,
			OverallConfidence: model.ConfidenceHigh,
		}},
	}
}

func TestRouter_Health(t *testing.T) {
	router := newRouter(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Ingest(t *testing.T) {
	env := newTestEnv(t, singleExpertExtraction("Jennifer Park", "RetailCo"))
	seedTestProject(t, env)
	router := newRouter(env)

	payload, _ := json.Marshal(map[string]string{
		"email_text": "Jennifer Park, Senior Analyst at RetailCo, is available Tue/Thu.",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj-1/ingest", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result model.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Added)
	assert.Zero(t, result.Updated)

	experts, err := env.Store.ListExperts(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, experts, 1)
	assert.Equal(t, "Jennifer Park", experts[0].Name)
}

func TestRouter_Ingest_MissingBody(t *testing.T) {
	env := newTestEnv(t)
	seedTestProject(t, env)
	router := newRouter(env)

	payload, _ := json.Marshal(map[string]string{"network": "glg"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj-1/ingest", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "email_text is required")
}

func TestRouter_Ingest_UnknownProject(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(env)

	payload, _ := json.Marshal(map[string]string{"email_text": "some email"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/missing/ingest", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ScreenExpert(t *testing.T) {
	env := newTestEnv(t, singleExpertExtraction("Wei Chen", "PayCo"))
	seedTestProject(t, env)

	_, err := env.Recon.Ingest(context.Background(), "proj-1", "Wei Chen from PayCo", recon.IngestOptions{})
	require.NoError(t, err)
	experts, err := env.Store.ListExperts(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, experts, 1)

	scoreBody, _ := json.Marshal(map[string]any{
		"score":        87,
		"rationale":    "Direct operating experience in the space.",
		"confidence":   "high",
		"missing_info": []string{},
	})
	aiClient := anthropicmocks.NewMockClient(t)
	aiClient.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(&anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: string(scoreBody)}}}, nil).Once()
	env.Screening = screen.New(env.Store, aiClient,
		config.AnthropicConfig{SonnetModel: "claude-sonnet-4-5-20250929"},
		config.ScreeningConfig{StrongMin: 80, MixedMin: 45, Concurrency: 1})

	router := newRouter(env)
	req := httptest.NewRequest(http.MethodPost, "/api/experts/"+experts[0].ID+"/screen", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result model.ScreeningResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, model.GradeStrong, result.Grade)
	assert.InDelta(t, 87, result.Score, 1e-9)
}

func TestRouter_ListDuplicates_Empty(t *testing.T) {
	env := newTestEnv(t)
	seedTestProject(t, env)
	router := newRouter(env)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/duplicates?status=pending", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var candidates []model.DedupeCandidate
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &candidates))
	assert.Empty(t, candidates)
}

func TestRouter_DismissDuplicate_NotFound(t *testing.T) {
	env := newTestEnv(t)
	router := newRouter(env)

	req := httptest.NewRequest(http.MethodPost, "/api/duplicates/missing/dismiss", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ExportCSV(t *testing.T) {
	env := newTestEnv(t, singleExpertExtraction("Jennifer Park", "RetailCo"))
	seedTestProject(t, env)

	_, err := env.Recon.Ingest(context.Background(), "proj-1", "Jennifer Park at RetailCo", recon.IngestOptions{})
	require.NoError(t, err)

	router := newRouter(env)
	req := httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/export?format=csv", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rr.Body.String(), "Jennifer Park")
	assert.Contains(t, rr.Body.String(), "Name,Employer,Title")
}

func TestRouter_Export_BadFormat(t *testing.T) {
	env := newTestEnv(t)
	seedTestProject(t, env)
	router := newRouter(env)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/export?format=pdf", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unsupported format")
}

func TestRouter_Ledger(t *testing.T) {
	env := newTestEnv(t, singleExpertExtraction("Jennifer Park", "RetailCo"))
	seedTestProject(t, env)

	_, err := env.Recon.Ingest(context.Background(), "proj-1", "Jennifer Park at RetailCo", recon.IngestOptions{})
	require.NoError(t, err)

	router := newRouter(env)
	req := httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/ledger?limit=10", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var logs []model.IngestionLog
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "proj-1", logs[0].ProjectID)
	require.Len(t, logs[0].Entries, 1)
	assert.Equal(t, model.ActionAdded, logs[0].Entries[0].Action)
}
