// Package screen grades experts against a project's weighted screener rubric.
// The numeric score comes from the model; the grade band is applied
// deterministically so a chatty rationale can never smuggle in a better grade
// than the score supports.
package screen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/expert-tracker/internal/config"
	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/resilience"
	"github.com/sells-group/expert-tracker/pkg/anthropic"
)

const screeningTemperature = 0.2

const screeningSystemPrompt = `You are an expert screener for investment research projects. You evaluate expert candidates against a project's screening rubric and produce a numeric fit score.

SCORING WEIGHTS:
- Background fit (employer, title, seniority vs the project hypothesis): 35%
- Screener answer quality (how well their answers match the rubric's ideal answers): 45%
- Red flags (rubric red-flag terms present in their answers or background): 20% penalty weight

SCORING RULES:
1. Score from 0 to 100. Be decisive: reserve 80+ for candidates whose screener answers substantially match the ideal answers AND whose background clearly fits.
2. Match answers against the rubric LITERALLY. If the ideal answer says "hands-on evaluation in the last 2 years" and the candidate describes work from 5 years ago, that question scores poorly.
3. A missing answer to a heavily weighted question caps the total score at 79.
4. Any confirmed red-flag term caps the total score at 44.
5. Rationale must cite the specific answers and background facts behind the score. Never restate the rubric.
6. If the evidence is too thin to judge a question, list what is missing in missing_info rather than guessing.
7. Confidence reflects evidence quality: "high" only when every weighted question has a substantive answer.

Return ONLY a JSON object:
{
  "score": number,
  "rationale": string,
  "confidence": "low" | "medium" | "high",
  "missing_info": [string]
}`

const screeningPrompt = `Evaluate this expert candidate against the project rubric.

PROJECT HYPOTHESIS: %s

RUBRIC:
%s
CANDIDATE:
Name: %s
Employer: %s
Title: %s
%s
Score the candidate per the system rules and return the JSON object.`

// Store is the persistence surface screening needs. SaveScreening writes the
// result onto the expert and nothing else.
type Store interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetExpert(ctx context.Context, id string) (*model.Expert, error)
	ListExperts(ctx context.Context, projectID string) ([]model.Expert, error)
	SaveScreening(ctx context.Context, expertID string, result *model.ScreeningResult) error
}

// ContextSearcher is an optional collaborator that supplies document snippets
// relevant to the candidate, e.g. from an uploaded deck collection.
type ContextSearcher interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// Engine runs rubric screening for single experts and whole rosters.
type Engine struct {
	store    Store
	client   anthropic.Client
	aiCfg    config.AnthropicConfig
	cfg      config.ScreeningConfig
	searcher ContextSearcher
	retry    resilience.RetryConfig
}

// New builds a screening engine.
func New(store Store, client anthropic.Client, aiCfg config.AnthropicConfig, cfg config.ScreeningConfig) *Engine {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "screen")
	return &Engine{store: store, client: client, aiCfg: aiCfg, cfg: cfg, retry: retry}
}

// WithContextSearcher attaches the optional document-context collaborator.
func (e *Engine) WithContextSearcher(s ContextSearcher) *Engine {
	e.searcher = s
	return e
}

// ScreenExpert grades one expert and writes the result onto the record.
// Status and conflict fields are never touched.
func (e *Engine) ScreenExpert(ctx context.Context, expertID string) (*model.ScreeningResult, error) {
	expert, err := e.store.GetExpert(ctx, expertID)
	if err != nil {
		return nil, &model.ScreeningError{ExpertID: expertID, Err: eris.Wrap(err, "screen: load expert")}
	}
	project, err := e.store.GetProject(ctx, expert.ProjectID)
	if err != nil {
		return nil, &model.ScreeningError{ExpertID: expertID, Err: eris.Wrap(err, "screen: load project")}
	}
	if project.Screener == nil || len(project.Screener.Questions) == 0 {
		return nil, &model.ScreeningError{ExpertID: expertID, Err: eris.New("screen: project has no screener rubric")}
	}

	if e.aiCfg.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.aiCfg.TimeoutSecs)*time.Second)
		defer cancel()
	}

	prompt := e.buildPrompt(ctx, project, expert)
	temp := screeningTemperature

	resp, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       e.aiCfg.SonnetModel,
			MaxTokens:   2048,
			System:      anthropic.BuildCachedSystemBlocks(screeningSystemPrompt),
			Temperature: &temp,
			Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return nil, &model.ScreeningError{ExpertID: expertID, Err: eris.Wrap(err, "screen: model call")}
	}

	result, err := e.parseResult(extractText(resp))
	if err != nil {
		return nil, &model.ScreeningError{ExpertID: expertID, Err: err}
	}

	if err := e.store.SaveScreening(ctx, expertID, result); err != nil {
		return nil, &model.ScreeningError{ExpertID: expertID, Err: eris.Wrap(err, "screen: save result")}
	}

	resp.Usage.LogCost(e.aiCfg.SonnetModel, "screening")
	zap.L().Info("expert screened",
		zap.String("expert_id", expertID),
		zap.String("grade", string(result.Grade)),
		zap.Float64("score", result.Score),
	)
	return result, nil
}

// ScreenAll screens every ungraded expert in the project. Already graded
// experts are skipped unless force is set. Small rosters run through a
// bounded worker pool of single calls; rosters at or past BatchThreshold go
// through the Message Batches API instead. Per-expert failures are collected
// into the result; completed writes stand even when the context is cancelled
// midway.
func (e *Engine) ScreenAll(ctx context.Context, projectID string, force bool) (*model.ScreenAllResult, error) {
	experts, err := e.store.ListExperts(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "screen: load roster")
	}

	result := &model.ScreenAllResult{}
	var pending []model.Expert
	for _, expert := range experts {
		if expert.Screening != nil && !force {
			result.Skipped++
			result.Results = append(result.Results, model.PerExpertScreening{
				ExpertID: expert.ID, ExpertName: expert.Name, Skipped: true,
			})
			continue
		}
		pending = append(pending, expert)
	}
	if len(pending) == 0 {
		return result, nil
	}

	if !e.aiCfg.NoBatch && e.cfg.BatchThreshold > 0 && len(pending) >= e.cfg.BatchThreshold {
		if err := e.screenBatch(ctx, projectID, pending, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	e.screenConcurrent(ctx, pending, result)
	return result, nil
}

// screenConcurrent fans pending experts out over a bounded worker pool of
// single CreateMessage calls.
func (e *Engine) screenConcurrent(ctx context.Context, pending []model.Expert, result *model.ScreenAllResult) {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g.SetLimit(concurrency)

	for i := range pending {
		expert := pending[i]
		g.Go(func() error {
			res, screenErr := e.ScreenExpert(gctx, expert.ID)
			mu.Lock()
			defer mu.Unlock()
			entry := model.PerExpertScreening{ExpertID: expert.ID, ExpertName: expert.Name}
			if screenErr != nil {
				result.Failed++
				entry.Err = screenErr.Error()
				zap.L().Warn("screening failed for expert",
					zap.String("expert_id", expert.ID),
					zap.Error(screenErr),
				)
			} else {
				result.Screened++
				entry.Result = res
			}
			result.Results = append(result.Results, entry)
			return nil
		})
	}

	_ = g.Wait()
}

// screenBatch screens pending experts through the Message Batches API,
// splitting the roster into submissions of at most MaxBatchSize experts.
// Batch items keep the expert ID as custom_id so results map back to the
// roster.
func (e *Engine) screenBatch(ctx context.Context, projectID string, pending []model.Expert, result *model.ScreenAllResult) error {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return eris.Wrap(err, "screen: load project")
	}
	if project.Screener == nil || len(project.Screener.Questions) == 0 {
		return eris.New("screen: project has no screener rubric")
	}

	// Warm the prompt cache once so every batch item reads the rubric from
	// cache. Priming is best effort.
	if _, err := anthropic.PrimerRequest(ctx, e.client, anthropic.MessageRequest{
		Model:     e.aiCfg.SonnetModel,
		MaxTokens: 16,
		System:    anthropic.BuildCachedSystemBlocks(screeningSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: "Acknowledge the rubric."}},
	}); err != nil {
		zap.L().Warn("cache primer failed", zap.Error(err))
	}

	chunkSize := e.aiCfg.MaxBatchSize
	if chunkSize <= 0 {
		chunkSize = len(pending)
	}
	var usage anthropic.TokenUsage
	for start := 0; start < len(pending); start += chunkSize {
		end := min(start+chunkSize, len(pending))
		if err := e.submitBatchChunk(ctx, project, pending[start:end], result, &usage); err != nil {
			return err
		}
	}

	usage.LogCost(e.aiCfg.SonnetModel, "screening-batch")
	return nil
}

// submitBatchChunk submits one batch covering the given experts, polls it to
// completion, and applies each returned score.
func (e *Engine) submitBatchChunk(ctx context.Context, project *model.Project, pending []model.Expert, result *model.ScreenAllResult, usage *anthropic.TokenUsage) error {
	temp := screeningTemperature
	reqs := make([]anthropic.BatchRequestItem, len(pending))
	for i := range pending {
		reqs[i] = anthropic.BatchRequestItem{
			CustomID: pending[i].ID,
			Params: anthropic.MessageRequest{
				Model:       e.aiCfg.SonnetModel,
				MaxTokens:   2048,
				System:      anthropic.BuildCachedSystemBlocks(screeningSystemPrompt),
				Temperature: &temp,
				Messages:    []anthropic.Message{{Role: "user", Content: e.buildPrompt(ctx, project, &pending[i])}},
			},
		}
	}

	batch, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*anthropic.BatchResponse, error) {
		return e.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: reqs})
	})
	if err != nil {
		return eris.Wrap(err, "screen: submit batch")
	}
	zap.L().Info("screening batch submitted",
		zap.String("batch_id", batch.ID),
		zap.Int("experts", len(pending)),
	)

	done, err := anthropic.PollBatch(ctx, e.client, batch.ID)
	if err != nil {
		return eris.Wrap(err, "screen: wait for batch")
	}
	iter, err := e.client.GetBatchResults(ctx, done.ID)
	if err != nil {
		return eris.Wrap(err, "screen: fetch batch results")
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return eris.Wrap(err, "screen: read batch results")
	}

	for i := range pending {
		expert := &pending[i]
		entry := model.PerExpertScreening{ExpertID: expert.ID, ExpertName: expert.Name}
		resp, ok := collected.Succeeded[expert.ID]
		if !ok {
			result.Failed++
			entry.Err = "screen: batch item did not succeed"
			result.Results = append(result.Results, entry)
			continue
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.CacheCreationInputTokens += resp.Usage.CacheCreationInputTokens
		usage.CacheReadInputTokens += resp.Usage.CacheReadInputTokens

		res, itemErr := e.parseResult(extractText(resp))
		if itemErr == nil {
			itemErr = e.store.SaveScreening(ctx, expert.ID, res)
		}
		if itemErr != nil {
			result.Failed++
			entry.Err = itemErr.Error()
			zap.L().Warn("screening failed for expert",
				zap.String("expert_id", expert.ID),
				zap.Error(itemErr),
			)
		} else {
			result.Screened++
			entry.Result = res
		}
		result.Results = append(result.Results, entry)
	}

	return nil
}

// buildPrompt assembles the rubric and all stored evidence for one expert.
func (e *Engine) buildPrompt(ctx context.Context, project *model.Project, expert *model.Expert) string {
	var rubric strings.Builder
	for _, q := range project.Screener.Questions {
		fmt.Fprintf(&rubric, "QUESTION (weight %.0f%%): %s\n", q.Weight*100, q.Text)
		if q.IdealAnswer != "" {
			fmt.Fprintf(&rubric, "WHAT WE'RE LOOKING FOR: %s\n", q.IdealAnswer)
		}
		if q.RubricNotes != "" {
			fmt.Fprintf(&rubric, "NOTES: %s\n", q.RubricNotes)
		}
		if len(q.RedFlags) > 0 {
			fmt.Fprintf(&rubric, "RED FLAGS: %s\n", strings.Join(q.RedFlags, ", "))
		}
		rubric.WriteString("\n")
	}

	evidence := collectEvidence(expert)
	if e.searcher != nil {
		query := strings.TrimSpace(expert.Name + " " + expert.Employer)
		if snippets, err := e.searcher.Search(ctx, query); err == nil && len(snippets) > 0 {
			evidence += "\nDOCUMENT CONTEXT:\n"
			for _, s := range snippets {
				evidence += "- " + s + "\n"
			}
		} else if err != nil {
			zap.L().Warn("context search failed", zap.String("expert_id", expert.ID), zap.Error(err))
		}
	}

	return fmt.Sprintf(screeningPrompt,
		project.Hypothesis, rubric.String(),
		expert.Name, orUnknown(expert.Employer), orUnknown(expert.Title),
		evidence,
	)
}

// collectEvidence pulls relevance bullets and screener answers out of every
// stored extraction, newest first so later answers read first.
func collectEvidence(expert *model.Expert) string {
	var b strings.Builder
	for i := len(expert.Sources) - 1; i >= 0; i-- {
		src := expert.Sources[i]
		var ext model.ExtractedExpert
		if err := json.Unmarshal([]byte(src.RawExtraction), &ext); err != nil {
			continue
		}
		for _, bullet := range ext.RelevanceBullets {
			fmt.Fprintf(&b, "BACKGROUND: %s\n", bullet)
		}
		for _, sr := range ext.ScreenerResponses {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", sr.Question, sr.Answer)
		}
	}
	if b.Len() == 0 {
		return "EVIDENCE: none recorded\n"
	}
	return "EVIDENCE:\n" + b.String()
}

// parseResult validates the model output and applies the grade bands.
func (e *Engine) parseResult(text string) (*model.ScreeningResult, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("screen: no JSON object in response")
	}

	var answer struct {
		Score       float64          `json:"score"`
		Rationale   string           `json:"rationale"`
		Confidence  model.Confidence `json:"confidence"`
		MissingInfo []string         `json:"missing_info"`
	}
	if err := json.Unmarshal([]byte(cleaned), &answer); err != nil {
		return nil, eris.Wrap(err, "screen: parse response")
	}

	score := answer.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	conf := answer.Confidence
	if !conf.Valid() {
		conf = model.ConfidenceLow
	}

	return &model.ScreeningResult{
		Grade:       e.gradeFor(score),
		Score:       score,
		Rationale:   answer.Rationale,
		Confidence:  conf,
		MissingInfo: answer.MissingInfo,
		ScreenedAt:  time.Now().UTC(),
	}, nil
}

// gradeFor maps a score into a band. The bands are policy configuration, not
// model output.
func (e *Engine) gradeFor(score float64) model.Grade {
	switch {
	case score >= e.cfg.StrongMin:
		return model.GradeStrong
	case score >= e.cfg.MixedMin:
		return model.GradeMixed
	default:
		return model.GradeWeak
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(unknown)"
	}
	return s
}

func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
