package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/witlox/lacuna/pkg/domain"
)

// Backend is a text-completion service used by the reasoning stage.
type Backend interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// reasoningSystemPrompt constrains the backend to the JSON contract the
// stage parses. Anything outside the contract falls back to PROPRIETARY.
const reasoningSystemPrompt = `You are a data sensitivity classifier.
Classify the described data operation into exactly one tier:
PUBLIC, INTERNAL or PROPRIETARY.

Respond with a single JSON object and nothing else:
{"tier": "...", "confidence": 0.0, "reasoning": "...", "tags": ["..."]}

confidence is between 0 and 1. tags are uppercase category labels such
as PII, FINANCIAL or CUSTOMER.`

// maxReasoningConfidence caps the confidence a reasoning verdict may
// claim: a language model never gets to assert certainty.
const maxReasoningConfidence = 0.95

// ReasoningClassifier is the terminal cascade stage. It never abstains:
// a backend failure or an unparseable verdict produces a fail-safe
// PROPRIETARY classification rather than no opinion.
type ReasoningClassifier struct {
	backend Backend
	logger  *slog.Logger
}

// NewReasoningClassifier builds the reasoning stage.
func NewReasoningClassifier(backend Backend, logger *slog.Logger) *ReasoningClassifier {
	return &ReasoningClassifier{backend: backend, logger: logger}
}

// Name implements Classifier.
func (r *ReasoningClassifier) Name() string { return "reasoning" }

// Priority implements Classifier.
func (r *ReasoningClassifier) Priority() int { return PriorityReasoning }

type reasoningVerdict struct {
	Tier       string   `json:"tier"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Tags       []string `json:"tags"`
}

// Classify implements Classifier. With no backend configured the stage
// abstains; with one configured it always returns a classification.
func (r *ReasoningClassifier) Classify(ctx context.Context, op domain.DataOperation) (*domain.Classification, error) {
	if r.backend == nil {
		return nil, nil
	}

	raw, err := r.backend.Complete(ctx, reasoningSystemPrompt, op.Describe())
	if err != nil {
		r.logger.Warn("reasoning backend failed, using fail-safe classification", "error", err)
		c := failSafeClassification(fmt.Sprintf("reasoning backend unavailable: %v", err))
		return &c, nil
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		r.logger.Warn("reasoning verdict unparseable, using fail-safe classification", "error", err)
		c := failSafeClassification(fmt.Sprintf("reasoning verdict unparseable: %v", err))
		return &c, nil
	}

	tier, err := domain.ParseTier(verdict.Tier)
	if err != nil || tier == domain.TierUnclassified {
		r.logger.Warn("reasoning verdict names unknown tier, using fail-safe classification", "tier", verdict.Tier)
		c := failSafeClassification(fmt.Sprintf("reasoning verdict names unknown tier %q", verdict.Tier))
		return &c, nil
	}

	confidence := verdict.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > maxReasoningConfidence {
		confidence = maxReasoningConfidence
	}

	c := domain.NewClassification(tier, confidence, verdict.Reasoning, "reasoning", domain.NewTagSet(verdict.Tags...))
	return &c, nil
}

// parseVerdict decodes the backend's JSON, tolerating markdown code
// fences around the object.
func parseVerdict(raw string) (reasoningVerdict, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var v reasoningVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return reasoningVerdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

// failSafeClassification is the terminal fallback: when nothing can
// establish a tier, the operation is treated as PROPRIETARY.
func failSafeClassification(reason string) domain.Classification {
	return domain.NewClassification(domain.TierProprietary, 0.5, reason, "fail-safe", nil)
}
