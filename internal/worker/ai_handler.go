package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/ai"
	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/pipeline"
	"github.com/KingPyrox/Legal-Lens/internal/spend"
	"github.com/KingPyrox/Legal-Lens/internal/storage"
	"github.com/KingPyrox/Legal-Lens/internal/telemetry"
)

// Authorizer gates billable calls and records their cost.
type Authorizer interface {
	Authorize(ctx context.Context) (spend.Decision, error)
	Record(ctx context.Context, orgID, callType, model string, inputUnits, outputUnits int64, duration time.Duration) models.SpendEvent
}

// Limiter smooths the rate of billable calls across worker processes.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining float64, err error)
}

// AIHandler serves the ai-analysis queue: clause extraction, per-clause
// risk scoring, and negotiation suggestions, each gated by the spending
// guard and an optional per-org rate limiter. A denied, rate-limited, or
// errored call substitutes the built-in fallback for
// that piece instead of failing the job, so cost and availability problems
// degrade the result rather than stall the pipeline.
type AIHandler struct {
	completer ai.Completer
	guard     Authorizer
	limiter   Limiter
	blobs     storage.BlobStore
	model     string
	maxTokens int
	mockMode  bool
	log       *logrus.Logger
}

// AIHandlerParams collects the handler's collaborators. Limiter is
// optional; without one, billable calls are gated by the spending guard
// alone.
type AIHandlerParams struct {
	Completer ai.Completer
	Guard     Authorizer
	Limiter   Limiter
	Blobs     storage.BlobStore
	Model     string
	MaxTokens int
	MockMode  bool
	Log       *logrus.Logger
}

// NewAIHandler wires the handler.
func NewAIHandler(p AIHandlerParams) *AIHandler {
	if p.Model == "" {
		p.Model = ai.DefaultModel
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 1000
	}
	return &AIHandler{
		completer: p.Completer,
		guard:     p.Guard,
		limiter:   p.Limiter,
		blobs:     p.Blobs,
		model:     p.Model,
		maxTokens: p.MaxTokens,
		mockMode:  p.MockMode,
		log:       p.Log,
	}
}

// Handle analyzes one document.
func (h *AIHandler) Handle(ctx context.Context, job models.Job) (pipeline.StageResult, error) {
	var payload models.AIAnalysisPayload
	if err := decodePayload(job, &payload); err != nil {
		return pipeline.StageResult{}, Permanent(err)
	}
	if payload.AnalysisID == "" || payload.DocumentID == "" {
		return pipeline.StageResult{}, Permanent(errors.New("analysisId and documentId are required"))
	}

	documentText, err := h.documentText(ctx, payload)
	if err != nil {
		return pipeline.StageResult{}, Transient(err)
	}

	degraded := false

	var clauses []map[string]any
	if !h.callJSON(ctx, payload.OrgID, models.CallExtraction,
		"You are a legal document analyzer. Extract clauses and return valid JSON only.",
		extractionPrompt(documentText), 0.1, &clauses) {
		clauses = ai.FallbackClauses()
		degraded = true
	}

	risks := make(map[string]any, len(clauses))
	suggestions := make(map[string]any, len(clauses))
	for _, clause := range clauses {
		clauseType, _ := clause["type"].(string)
		clauseText, _ := clause["text"].(string)
		if clauseType == "" {
			continue
		}

		var risk map[string]any
		if !h.callJSON(ctx, payload.OrgID, models.CallRiskScoring,
			"You are a legal risk assessment engine. Return valid JSON only.",
			riskPrompt(clauseText, clauseType), 0.1, &risk) {
			risk = ai.FallbackRisk(clauseType)
			degraded = true
		}
		risks[clauseType] = risk

		riskLevel, _ := risk["risk"].(string)
		var suggestion map[string]any
		if !h.callJSON(ctx, payload.OrgID, models.CallSuggestions,
			"You are a legal negotiation advisor. Return valid JSON only.",
			suggestionPrompt(clauseText, riskLevel, clauseType), 0.2, &suggestion) {
			suggestion = ai.FallbackSuggestion(clauseType)
			degraded = true
		}
		suggestions[clauseType] = suggestion
	}

	source := models.ResultSourceModel
	if degraded {
		source = models.ResultSourceFallback
		telemetry.FallbackResults.Inc()
	}

	return pipeline.StageResult{
		AnalysisID: payload.AnalysisID,
		OrgID:      payload.OrgID,
		Result: map[string]any{
			"clauses":     clauses,
			"risks":       risks,
			"suggestions": suggestions,
		},
		ResultSource: source,
		Next: map[string]any{
			"analysisId":   payload.AnalysisID,
			"templateType": "standard",
			"orgId":        payload.OrgID,
		},
		NextPriority: job.Priority,
	}, nil
}

// callJSON issues one guarded completion and decodes its JSON content into
// out. It returns false when the caller must fall back: mock mode, a spend
// denial, a call error, or unparseable content. Usage is recorded for every
// completed call even when the content turns out malformed, because those
// tokens were billed regardless.
func (h *AIHandler) callJSON(ctx context.Context, orgID, callType, system, prompt string, temperature float64, out any) bool {
	if h.mockMode {
		return false
	}

	if h.limiter != nil {
		allowed, remaining, err := h.limiter.Allow(ctx, "ratelimit:ai:"+orgID)
		if err != nil {
			// Fail open: the spending guard still caps cost.
			h.log.WithError(err).WithField("call_type", callType).Warn("rate limiter unavailable")
		} else if !allowed {
			h.log.WithFields(logrus.Fields{
				"call_type": callType,
				"org_id":    orgID,
				"remaining": remaining,
			}).Warn("billable call rate limited")
			return false
		}
	}

	decision, err := h.guard.Authorize(ctx)
	if err != nil {
		h.log.WithError(err).WithField("call_type", callType).Warn("spend authorization unavailable")
		return false
	}
	if !decision.Allowed {
		h.log.WithFields(logrus.Fields{
			"call_type": callType,
			"reason":    decision.Reason,
		}).Warn("billable call denied")
		return false
	}

	start := time.Now()
	resp, err := h.completer.Complete(ctx, ai.Request{
		System:      system,
		Prompt:      prompt,
		Model:       h.model,
		MaxTokens:   h.maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		h.log.WithError(err).WithField("call_type", callType).Warn("ai call failed, using fallback")
		return false
	}

	ev := h.guard.Record(ctx, orgID, callType, resp.Model, resp.InputUnits, resp.OutputUnits, time.Since(start))
	h.log.WithFields(logrus.Fields{
		"call_type": callType,
		"model":     resp.Model,
		"cost":      ev.Cost.StringFixed(4),
		"tokens":    resp.InputUnits + resp.OutputUnits,
	}).Info("billable call recorded")

	if err := json.Unmarshal([]byte(resp.Content), out); err != nil {
		h.log.WithError(err).WithField("call_type", callType).Warn("unparseable ai content, using fallback")
		return false
	}
	return true
}

func (h *AIHandler) documentText(ctx context.Context, payload models.AIAnalysisPayload) (string, error) {
	fileKey, _ := payload.Options["fileKey"].(string)
	if fileKey == "" {
		return "", nil
	}
	body, err := h.blobs.Download(ctx, fileKey)
	if err != nil {
		return "", fmt.Errorf("fetch document text: %w", err)
	}
	return string(body), nil
}

func extractionPrompt(contractText string) string {
	return "Extract all legal clauses from the following contract. " +
		"Return a JSON array of objects with type, text, startChar, endChar, pageIndex, confidence.\n\n" + contractText
}

func riskPrompt(clauseText, clauseType string) string {
	return fmt.Sprintf("Assess the risk of this %s clause. Return JSON with risk (LOW|MEDIUM|HIGH), rationale, kbRuleIds.\n\n%s", clauseType, clauseText)
}

func suggestionPrompt(clauseText, riskLevel, clauseType string) string {
	return fmt.Sprintf("Suggest negotiation tactics for this %s clause rated %s. "+
		"Return JSON with summary, whyItMatters, ask, rewriteOption, fallbackOption.\n\n%s", clauseType, riskLevel, clauseText)
}
