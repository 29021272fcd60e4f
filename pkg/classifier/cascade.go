package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
	"github.com/witlox/lacuna/pkg/telemetry"
)

// Stage couples a classifier with its cascade parameters.
type Stage struct {
	Classifier Classifier
	// Threshold short-circuits the cascade when the stage's confidence
	// reaches it. Zero marks a terminal stage whose verdict is accepted
	// as-is.
	Threshold float64
	// Timeout bounds the stage; zero means no per-stage bound.
	Timeout time.Duration
}

// Cascade runs registered classifiers in priority order. Each stage gets
// its own timeout; a stage error or abstention falls through to the next
// stage, and the best verdict seen so far survives cancellation.
type Cascade struct {
	logger *slog.Logger
	cache  *resultCache

	mu     sync.RWMutex
	stages []Stage
}

// NewCascade builds an empty cascade. cacheSize <= 0 disables the
// result cache.
func NewCascade(logger *slog.Logger, cacheSize int) *Cascade {
	return &Cascade{
		logger: logger,
		cache:  newResultCache(cacheSize),
	}
}

// NewDefaultCascade wires the three built-in stages from configuration.
// The current function is consulted on every classification so pattern
// rules and similarity examples follow configuration reloads.
func NewDefaultCascade(logger *slog.Logger, current func() config.ClassificationConfig, embedder Embedder, backend Backend) *Cascade {
	cfg := current()
	c := NewCascade(logger, cfg.CacheSize)

	c.Register(Stage{
		Classifier: NewPatternClassifier(func() config.RuleSet { return current().Rules }),
		Threshold:  cfg.PatternThreshold,
		Timeout:    cfg.PatternTimeout,
	})
	if embedder != nil {
		c.Register(Stage{
			Classifier: NewSimilarityClassifier(embedder, func() map[domain.Tier][]string { return current().Examples }),
			Threshold:  cfg.SimilarityThreshold,
			Timeout:    cfg.SimilarityTimeout,
		})
	}
	c.Register(Stage{
		Classifier: NewReasoningClassifier(backend, logger),
		Timeout:    cfg.ReasoningTimeout,
	})
	return c
}

// Register adds a stage, keeping the stage list sorted by priority.
// Safe to call while classifications are in flight.
func (c *Cascade) Register(stage Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, stage)
	sort.SliceStable(c.stages, func(i, j int) bool {
		return c.stages[i].Classifier.Priority() < c.stages[j].Classifier.Priority()
	})
}

// InvalidateCache drops cached results, typically after a rule reload.
func (c *Cascade) InvalidateCache() {
	if c.cache != nil {
		c.cache.Clear()
	}
}

// Classify runs the cascade over one operation. It always returns a
// usable classification: an operation nothing matches is PUBLIC with low
// confidence, and a cascade that cannot complete returns the best
// verdict seen so far or the PROPRIETARY fail-safe.
func (c *Cascade) Classify(ctx context.Context, op domain.DataOperation) (domain.Classification, error) {
	if emptyOperation(op) {
		return domain.NewClassification(domain.TierPublic, 0.1,
			"no sensitive patterns matched", "cascade", nil), nil
	}

	key := cacheKey(op)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			telemetry.RecordCacheHit(ctx)
			return cached, nil
		}
	}

	c.mu.RLock()
	stages := append([]Stage(nil), c.stages...)
	c.mu.RUnlock()

	var best *domain.Classification
	interrupted := false

	for _, stage := range stages {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		stageCtx := ctx
		cancel := context.CancelFunc(func() {})
		if stage.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		}

		start := time.Now()
		result, err := stage.Classifier.Classify(stageCtx, op)
		elapsed := time.Since(start)
		cancel()

		if err != nil {
			telemetry.RecordStage(ctx, stage.Classifier.Name(), elapsed, false)
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", domain.ErrClassificationTimeout, err)
			}
			c.logger.Warn("classification stage failed, falling through",
				"stage", stage.Classifier.Name(), "error", err)
			continue
		}
		if result == nil {
			telemetry.RecordStage(ctx, stage.Classifier.Name(), elapsed, false)
			continue
		}

		if best == nil || betterVerdict(*result, *best) {
			best = result
		}

		accepted := stage.Threshold == 0 || result.Confidence >= stage.Threshold
		telemetry.RecordStage(ctx, stage.Classifier.Name(), elapsed, accepted)
		if accepted {
			if c.cache != nil {
				c.cache.Add(key, *result)
			}
			return *result, nil
		}
	}

	if best != nil {
		if c.cache != nil && !interrupted {
			c.cache.Add(key, *best)
		}
		return *best, nil
	}
	if interrupted {
		return failSafeClassification("classification interrupted before any stage produced a verdict"), nil
	}

	result := domain.NewClassification(domain.TierPublic, 0.1,
		"no sensitive patterns matched", "cascade", nil)
	if c.cache != nil {
		c.cache.Add(key, result)
	}
	return result, nil
}

// betterVerdict prefers higher confidence, breaking ties toward the more
// sensitive tier.
func betterVerdict(a, b domain.Classification) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return b.Tier.Less(a.Tier)
}

func emptyOperation(op domain.DataOperation) bool {
	return len(op.Sources) == 0 && op.Destination == "" && op.Transform == "" && op.Purpose == ""
}

func cacheKey(op domain.DataOperation) string {
	return strings.Join([]string{op.Describe(), op.Project, op.Actor.Role, op.Environment}, "|")
}
