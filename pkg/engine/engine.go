// Package engine orchestrates one governance evaluation: classification,
// lineage propagation, policy decision and audit, in that order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/witlox/lacuna/pkg/audit"
	"github.com/witlox/lacuna/pkg/classifier"
	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
	"github.com/witlox/lacuna/pkg/lineage"
	"github.com/witlox/lacuna/pkg/policy"
	"github.com/witlox/lacuna/pkg/telemetry"
)

// Engine ties the cascade, the lineage graph, the policy evaluator and
// the audit chain together. One Evaluate call emits its audit records in
// causal order: classification, lineage update, policy decision.
type Engine struct {
	logger    *slog.Logger
	cascade   *classifier.Cascade
	graph     *lineage.Graph
	evaluator policy.Evaluator
	chain     *audit.Chain

	policyTimeout time.Duration
	lineageDepth  int
	retentionDays int

	stats Stats

	watchStop chan struct{}
	watchOnce sync.Once
	watchDone chan struct{}
}

// New assembles an engine from its components.
func New(logger *slog.Logger, cascade *classifier.Cascade, graph *lineage.Graph, evaluator policy.Evaluator, chain *audit.Chain, cfg config.Config) *Engine {
	timeout := cfg.Policy.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	retention := cfg.Audit.RetentionDays
	if retention <= 0 {
		retention = domain.DefaultRetentionDays
	}
	return &Engine{
		logger:        logger,
		cascade:       cascade,
		graph:         graph,
		evaluator:     evaluator,
		chain:         chain,
		policyTimeout: timeout,
		lineageDepth:  cfg.Lineage.MaxDepth,
		retentionDays: retention,
		watchStop:     make(chan struct{}),
		watchDone:     make(chan struct{}),
	}
}

// Evaluate runs the full governance flow for one operation. The returned
// result is always usable: an unavailable policy evaluator yields a
// denial, never an error-shaped allow.
func (e *Engine) Evaluate(ctx context.Context, op domain.DataOperation) (domain.GovernanceResult, error) {
	started := time.Now()
	e.stats.Evaluated.Add(1)

	classifyStart := time.Now()
	classification, err := e.cascade.Classify(ctx, op)
	if err != nil {
		// The cascade fail-safes internally; an error here is a programming
		// fault, still governed by the fail-safe tier.
		e.logger.Error("cascade returned an error", "operation", op.ID, "error", err)
		classification = domain.NewClassification(domain.TierProprietary, 0.5,
			fmt.Sprintf("classification failed: %v", err), "fail-safe", nil)
	}
	classificationLatency := time.Since(classifyStart)

	classRecord := e.newRecord(domain.EventClassification, domain.SeverityInfo, op)
	classRecord.Result = domain.ResultAllowed
	classRecord.Reasoning = classification.Reasoning
	classRecord.Classification = domain.SnapshotOf(classification)
	e.append(classRecord)

	lineageRecord := e.newRecord(domain.EventLineageUpdate, domain.SeverityInfo, op)
	final, err := e.graph.RecordOperation(ctx, op, classification, lineageRecord.ID)
	if err != nil {
		e.logger.Error("lineage update failed", "operation", op.ID, "error", err)
		final = classification
	}
	if op.Destination != "" && err == nil {
		lineageRecord.Result = domain.ResultAllowed
		lineageRecord.Reasoning = final.Reasoning
		lineageRecord.Classification = domain.SnapshotOf(final)
		lineageRecord.ParentID = classRecord.ID
		e.append(lineageRecord)
	}

	chain := e.lineageChain(ctx, op)

	input := domain.PolicyInput{
		Action:               op.Action,
		ResourceID:           e.resourceID(op),
		Tier:                 final.Tier,
		Confidence:           final.Confidence,
		Tags:                 final.Tags.Sorted(),
		Destination:          op.Destination,
		DestinationEncrypted: op.DestinationEncrypted,
		ActorID:              op.Actor.ID,
		ActorRole:            op.Actor.Role,
		Purpose:              op.Purpose,
		LineageChain:         chain,
		Environment:          op.Environment,
		Project:              op.Project,
	}

	policyStart := time.Now()
	pctx, cancel := context.WithTimeout(ctx, e.policyTimeout)
	decision, perr := e.evaluator.Evaluate(pctx, input)
	cancel()
	policyLatency := time.Since(policyStart)

	policyRecord := e.newRecord(eventFor(decision, perr), severityFor(decision, perr), op)
	policyRecord.ParentID = classRecord.ID
	policyRecord.Classification = domain.SnapshotOf(final)
	policyRecord.LineageChain = chain

	if perr != nil {
		e.stats.Errors.Add(1)
		e.logger.Error("policy evaluation failed, denying", "operation", op.ID, "error", perr)
		decision = domain.PolicyDecision{
			Allowed:   false,
			Reasoning: fmt.Sprintf("%v: %v", domain.ErrPolicyUnavailable, perr),
		}
		policyRecord.Result = domain.ResultError
	} else if decision.Allowed {
		e.stats.Allowed.Add(1)
		policyRecord.Result = domain.ResultAllowed
	} else {
		e.stats.Denied.Add(1)
		policyRecord.Result = domain.ResultDenied
	}
	policyRecord.PolicyID = decision.PolicyID
	policyRecord.PolicyVersion = decision.PolicyVersion
	policyRecord.Reasoning = decision.Reasoning
	e.append(policyRecord)

	total := time.Since(started)
	telemetry.RecordDecision(ctx, decision.Allowed, final.Tier, total)

	result := domain.GovernanceResult{
		EvaluationID:          op.ID,
		Timestamp:             started.UTC(),
		Allowed:               decision.Allowed,
		Classification:        final,
		Decision:              decision,
		Alternatives:          decision.Alternatives,
		AuditRecordID:         policyRecord.ID,
		ClassificationLatency: classificationLatency,
		PolicyLatency:         policyLatency,
		TotalLatency:          total,
	}
	if perr != nil {
		result.Err = perr.Error()
	}
	return result, nil
}

// Override applies a manual classification to an artifact, bypassing the
// cascade. Overrides carry full confidence and are audited under their own
// event type so reviewers can separate them from automatic verdicts.
func (e *Engine) Override(ctx context.Context, artifactID string, tier domain.Tier, reason string, actor domain.Actor) error {
	if artifactID == "" {
		return fmt.Errorf("override requires an artifact identifier")
	}
	r := domain.NewAuditRecord(domain.EventClassifyOverride, domain.SeverityWarning, actor)
	r.ResourceType = "artifact"
	r.ResourceID = artifactID
	r.Result = domain.ResultAllowed
	r.Reasoning = reason
	r.RetentionDays = e.retentionDays

	c := domain.NewClassification(tier, 1.0, reason, "manual", nil)
	if err := e.graph.Classify(ctx, artifactID, c, r.ID); err != nil {
		return fmt.Errorf("apply override to %s: %w", artifactID, err)
	}
	r.Classification = domain.SnapshotOf(c)
	e.append(r)
	return nil
}

// Graph exposes the lineage graph for traversal and impact queries.
func (e *Engine) Graph() *lineage.Graph { return e.graph }

// Audit exposes the audit chain for verification and flushing.
func (e *Engine) Audit() *audit.Chain { return e.chain }

// WatchConfig reacts to configuration reloads: cached classification
// results are invalidated and the reload is audited.
func (e *Engine) WatchConfig(provider config.Provider) {
	updates := provider.Subscribe()
	go func() {
		defer close(e.watchDone)
		for {
			select {
			case <-e.watchStop:
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				e.cascade.InvalidateCache()
				e.logger.Info("classification rules reloaded", "generation", snap.Generation)

				r := domain.NewAuditRecord(domain.EventAdminRuleReload, domain.SeverityInfo, domain.Actor{ID: "system"})
				r.Result = domain.ResultAllowed
				r.Reasoning = fmt.Sprintf("configuration generation %d applied", snap.Generation)
				r.RetentionDays = e.retentionDays
				e.append(r)
			}
		}
	}()
}

// Close stops the config watcher and drains the audit chain.
func (e *Engine) Close() error {
	e.watchOnce.Do(func() { close(e.watchStop) })
	return e.chain.Close()
}

func (e *Engine) newRecord(event domain.EventType, severity domain.Severity, op domain.DataOperation) domain.AuditRecord {
	r := domain.NewAuditRecord(event, severity, op.Actor)
	r.ResourceType = "artifact"
	r.ResourceID = e.resourceID(op)
	r.Action = op.Action
	r.OperationID = op.ID
	r.RetentionDays = e.retentionDays
	return r
}

func (e *Engine) append(record domain.AuditRecord) {
	if err := e.chain.Append(record); err != nil {
		e.logger.Error("audit append failed", "record", record.ID, "event", record.EventType, "error", err)
	}
}

func (e *Engine) resourceID(op domain.DataOperation) string {
	if op.Destination != "" {
		return op.Destination
	}
	if len(op.Sources) > 0 {
		return op.Sources[0]
	}
	return ""
}

// lineageChain collects the bounded upstream provenance of the operation's
// primary resource for the policy input and the audit trail.
func (e *Engine) lineageChain(ctx context.Context, op domain.DataOperation) []string {
	id := e.resourceID(op)
	if id == "" {
		return nil
	}
	var chain []string
	for ancestor := range e.graph.Upstream(ctx, id, e.lineageDepth) {
		chain = append(chain, ancestor)
	}
	return chain
}

func eventFor(decision domain.PolicyDecision, err error) domain.EventType {
	switch {
	case err != nil:
		return domain.EventPolicyError
	case decision.Allowed:
		return domain.EventPolicyAllow
	default:
		return domain.EventPolicyDeny
	}
}

func severityFor(decision domain.PolicyDecision, err error) domain.Severity {
	switch {
	case err != nil:
		return domain.SeverityError
	case decision.Allowed:
		return domain.SeverityInfo
	default:
		return domain.SeverityWarning
	}
}
