// Package extract turns raw expert-network email text into structured
// candidate expert records with field-level provenance. It never touches the
// roster; callers decide what to do with the candidates.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/config"
	"github.com/sells-group/expert-tracker/internal/model"
	"github.com/sells-group/expert-tracker/internal/resilience"
	"github.com/sells-group/expert-tracker/pkg/anthropic"
)

// extractionTemperature keeps extraction output stable across retries.
const extractionTemperature = 0.1

const extractionSystemPrompt = `You are an expert at extracting structured information from expert network emails.
Your task is to parse emails from expert networks (AlphaSights, Guidepoint, GLG, etc.) and extract expert profiles.

CRITICAL RULES:
1. NEVER fabricate or hallucinate information. If a field is not present in the email, leave it empty.
2. For every extracted value, you MUST provide the exact excerpt from the email that supports it.
3. Be conservative with confidence levels - use "low" if there's any ambiguity.
4. Extract ALL experts mentioned in the email, even if information is sparse.
5. Pay attention to conflict status, availability windows, and screener responses.

EMAIL THREAD HANDLING (CRITICAL):
The input may be a long email thread (20-30 replies) with the same experts mentioned multiple times.
You MUST:
1. DEDUPLICATE experts: Return each unique expert EXACTLY ONCE in the output.
2. MERGE information: When the same expert appears multiple times, combine all information about them.
3. PREFER LATEST: If there are conflicting values (e.g., status changed from "pending" to "cleared"), use the MOST RECENT value.
4. PRESERVE PROVENANCE: Even when merging, keep the most relevant and complete excerpt.
5. Identify the same expert by exact name match or very similar names (e.g., "John Smith" and "John R. Smith").

NETWORK INFERENCE:
- AlphaSights: "AlphaSights" in signature or @alphasights.com domain
- Guidepoint: "Guidepoint" branding, @guidepoint.com domain
- GLG: "GLG" or "Gerson Lehrman Group", @glg.it or @glgroup.com domains
- Tegus: "Tegus" branding
- Third Bridge: "Third Bridge" branding
- If unclear, leave inferred_network empty

STATUS CUES (look for explicit mentions):
- "available" - expert is available for calls
- "declined" - expert declined participation
- "conflict" - has a conflict of interest
- "not_a_fit" - not relevant for the project
- "no_longer_available" - was available but no longer
- "pending" - awaiting response
- "interested" - expressed interest
- "unknown" - no explicit signal

CONFLICT STATUS:
- "cleared" - no conflict, approved
- "pending" - conflict check in progress
- "conflict" - has confirmed conflict
- "none" - conflicts never mentioned

Return a valid JSON object following the exact schema provided.`

const extractionPrompt = `Extract expert information from the following email content (may be an email thread with multiple replies).

PROJECT CONTEXT: %s

%s
IMPORTANT: If this is an email thread with multiple messages:
- Return each unique expert ONCE (deduplicated)
- Merge information from multiple mentions of the same expert
- Use the LATEST values for fields that may have changed (status, availability, conflict)
- Note in extraction_notes if you merged duplicate expert mentions

EMAIL CONTENT:
---
%s
---

Extract all experts mentioned and return a JSON object with this exact structure:
{
  "inferred_network": "string or empty",
  "network_confidence": "low" | "medium" | "high",
  "email_date": "ISO date string or empty",
  "experts": [
    {
      "name": { "value": string, "excerpt": string, "confidence": "low"|"medium"|"high" },
      "employer": { "value": string, "excerpt": string, "confidence": "low"|"medium"|"high" },
      "title": { "value": string, "excerpt": string, "confidence": "low"|"medium"|"high" },
      "relevance_bullets": [string],
      "screener_responses": [{ "question": string, "answer": string, "excerpt": string, "confidence": "low"|"medium"|"high" }],
      "conflict_status": "none" | "pending" | "cleared" | "conflict",
      "conflict_id": "string or empty",
      "availability": [string],
      "status_cue": "available" | "declined" | "conflict" | "not_a_fit" | "no_longer_available" | "pending" | "interested" | "unknown",
      "overall_confidence": "low" | "medium" | "high"
    }
  ],
  "extraction_notes": "string or empty"
}`

const repairPrompt = `The previous extraction response was invalid. Here's what went wrong:
%s

Please fix the JSON to match the exact schema required. Ensure all required fields are present and properly typed.
Return ONLY the corrected JSON object.`

// Input carries everything extraction needs for one email.
type Input struct {
	EmailID     string
	EmailText   string
	Hypothesis  string
	Questions   []model.ScreenerQuestion
	NetworkHint string
}

// Adapter extracts structured expert records from raw email text.
type Adapter struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
	retry  resilience.RetryConfig
}

// New builds an extraction adapter over the given LLM client.
func New(client anthropic.Client, cfg config.AnthropicConfig) *Adapter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "extract")
	return &Adapter{client: client, cfg: cfg, retry: retry}
}

// Extract runs one extraction call, with a single repair retry when the model
// output fails schema validation. Returns an ExtractionError when both
// attempts fail; no side effects occur in either case.
func (a *Adapter) Extract(ctx context.Context, in Input) (*model.EmailExtraction, error) {
	if strings.TrimSpace(in.EmailText) == "" {
		return nil, &model.ExtractionError{EmailID: in.EmailID, Reason: "empty email text"}
	}

	if a.cfg.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutSecs)*time.Second)
		defer cancel()
	}

	prompt := a.buildPrompt(in)
	systemBlocks := anthropic.BuildCachedSystemBlocks(extractionSystemPrompt)
	temp := extractionTemperature

	req := anthropic.MessageRequest{
		Model:       a.cfg.SonnetModel,
		MaxTokens:   4096,
		System:      systemBlocks,
		Temperature: &temp,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
	}

	resp, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, &model.ExtractionError{EmailID: in.EmailID, Reason: "model call failed", Err: err}
	}

	raw := extractText(resp)
	result, parseErr := parseExtraction(raw)
	if parseErr == nil {
		return result, nil
	}

	zap.L().Warn("extract: schema validation failed, attempting repair",
		zap.String("email_id", in.EmailID),
		zap.Error(parseErr),
	)

	repairReq := req
	repairReq.Messages = []anthropic.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: raw},
		{Role: "user", Content: fmt.Sprintf(repairPrompt, parseErr.Error())},
	}

	resp, err = resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.client.CreateMessage(ctx, repairReq)
	})
	if err != nil {
		return nil, &model.ExtractionError{EmailID: in.EmailID, Reason: "repair call failed", Err: err}
	}

	result, parseErr = parseExtraction(extractText(resp))
	if parseErr != nil {
		return nil, &model.ExtractionError{EmailID: in.EmailID, Reason: "schema-invalid output after repair", Err: parseErr}
	}
	return result, nil
}

func (a *Adapter) buildPrompt(in Input) string {
	var networkLine string
	if in.NetworkHint != "" {
		networkLine = fmt.Sprintf("NETWORK HINT (user-provided): %s\n", in.NetworkHint)
	} else {
		networkLine = "NETWORK: Please infer from email content\n"
	}

	if len(in.Questions) > 0 {
		var b strings.Builder
		b.WriteString("SCREENER QUESTIONS IN USE (match answers in the email to these):\n")
		for _, q := range in.Questions {
			fmt.Fprintf(&b, "- %s\n", q.Text)
		}
		networkLine += b.String()
	}

	return fmt.Sprintf(extractionPrompt, in.Hypothesis, networkLine, in.EmailText)
}

// parseExtraction parses and validates the model output. Enum fields are
// coerced to safe defaults rather than rejected; hard failures are reserved
// for malformed JSON and experts with no name.
func parseExtraction(text string) (*model.EmailExtraction, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var result model.EmailExtraction
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	for i := range result.Experts {
		e := &result.Experts[i]
		if strings.TrimSpace(e.Name.Value) == "" {
			return nil, fmt.Errorf("expert %d has no name", i)
		}
		if !e.StatusCue.Valid() {
			e.StatusCue = model.CueUnknown
		}
		if !e.ConflictStatus.Valid() {
			e.ConflictStatus = model.ConflictNone
		}
		if !e.OverallConfidence.Valid() {
			e.OverallConfidence = model.ConfidenceLow
		}
		coerceConfidence(&e.Name.Confidence)
		coerceConfidence(&e.Employer.Confidence)
		coerceConfidence(&e.Title.Confidence)
		for j := range e.ScreenerResponses {
			coerceConfidence(&e.ScreenerResponses[j].Confidence)
		}
	}
	if !result.NetworkConfidence.Valid() {
		result.NetworkConfidence = model.ConfidenceLow
	}
	return &result, nil
}

func coerceConfidence(c *model.Confidence) {
	if !c.Valid() {
		*c = model.ConfidenceLow
	}
}

// extractText concatenates all text content blocks from a message response.
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

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	} else {
		return ""
	}

	return strings.TrimSpace(text)
}
