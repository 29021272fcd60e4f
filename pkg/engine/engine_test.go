package engine

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/lacuna/pkg/audit"
	"github.com/witlox/lacuna/pkg/classifier"
	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
	"github.com/witlox/lacuna/pkg/lineage"
	"github.com/witlox/lacuna/pkg/policy"
)

type harness struct {
	engine *Engine
	store  *audit.MemoryStore
	graph  *lineage.Graph
}

func newHarness(t *testing.T, evaluator policy.Evaluator) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cfg := config.Default()
	cfg.Policy.Timeout = 100 * time.Millisecond
	cfg.Classification.Rules = config.RuleSet{
		ColumnTerms: map[domain.Tier][]string{
			domain.TierProprietary: {"customer"},
			domain.TierInternal:    {"sales"},
		},
	}

	store := audit.NewMemoryStore()
	chain, err := audit.NewChain(context.Background(), store, logger, audit.NewMetrics(prometheus.NewRegistry()), cfg.Audit)
	require.NoError(t, err)

	cascade := classifier.NewDefaultCascade(logger, func() config.ClassificationConfig { return cfg.Classification }, nil, nil)
	graph := lineage.NewGraph(lineage.NewMemoryStore(), logger, cfg.Lineage.MaxDepth)

	eng := New(logger, cascade, graph, evaluator, chain, cfg)
	t.Cleanup(func() { _ = eng.Close() })
	return &harness{engine: eng, store: store, graph: graph}
}

func (h *harness) records(t *testing.T) []domain.AuditRecord {
	t.Helper()
	require.NoError(t, h.engine.Audit().Flush(context.Background()))
	records, err := h.store.Records(context.Background(), audit.Query{})
	require.NoError(t, err)
	return records
}

func TestEvaluateEmitsRecordsInCausalOrder(t *testing.T) {
	h := newHarness(t, policy.NewBuiltinEvaluator())

	op := domain.NewDataOperation(domain.ActionJoin, []string{"crm.customer_profiles", "sales.orders"}, "warehouse/analysis", domain.Actor{ID: "analyst-1", Role: "analyst"})
	result, err := h.engine.Evaluate(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, domain.TierProprietary, result.Classification.Tier)

	records := h.records(t)
	require.Len(t, records, 3)
	assert.Equal(t, domain.EventClassification, records[0].EventType)
	assert.Equal(t, domain.EventLineageUpdate, records[1].EventType)
	assert.Equal(t, domain.EventPolicyAllow, records[2].EventType)

	// The policy record points back at the classification record.
	assert.Equal(t, records[0].ID, records[2].ParentID)
	assert.Equal(t, records[2].ID, result.AuditRecordID)
	for _, r := range records {
		assert.Equal(t, op.ID, r.OperationID)
		assert.Equal(t, "warehouse/analysis", r.ResourceID)
	}
	assert.Nil(t, audit.VerifyIntegrity("", records))
}

func TestEvaluateDeniedExport(t *testing.T) {
	h := newHarness(t, policy.NewBuiltinEvaluator())

	op := domain.NewDataOperation(domain.ActionExport, []string{"crm.customer_profiles"}, "s3://partner", domain.Actor{ID: "analyst-1"})
	result, err := h.engine.Evaluate(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.NotEmpty(t, result.Alternatives)

	records := h.records(t)
	last := records[len(records)-1]
	assert.Equal(t, domain.EventPolicyDeny, last.EventType)
	assert.Equal(t, domain.ResultDenied, last.Result)
	assert.Equal(t, domain.SeverityWarning, last.Severity)

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.Evaluated)
	assert.Equal(t, int64(1), stats.Denied)
}

type hangingEvaluator struct{}

func (hangingEvaluator) Evaluate(ctx context.Context, _ domain.PolicyInput) (domain.PolicyDecision, error) {
	<-ctx.Done()
	return domain.PolicyDecision{}, ctx.Err()
}

func TestEvaluatePolicyTimeoutDenies(t *testing.T) {
	h := newHarness(t, hangingEvaluator{})

	op := domain.NewDataOperation(domain.ActionRead, []string{"sales.orders"}, "", domain.Actor{ID: "analyst-1"})
	result, err := h.engine.Evaluate(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, strings.Contains(result.Decision.Reasoning, "policy evaluator unavailable"),
		"reasoning %q must name the unavailable evaluator", result.Decision.Reasoning)
	assert.NotEmpty(t, result.Err)

	records := h.records(t)
	last := records[len(records)-1]
	assert.Equal(t, domain.EventPolicyError, last.EventType)
	assert.Equal(t, domain.ResultError, last.Result)
	assert.Equal(t, domain.SeverityError, last.Severity)

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.Errors)
}

func TestEvaluatePropagatesLineage(t *testing.T) {
	h := newHarness(t, policy.NewBuiltinEvaluator())
	ctx := context.Background()

	op1 := domain.NewDataOperation(domain.ActionJoin, []string{"crm.customer_profiles", "sales.orders"}, "warehouse/analysis", domain.Actor{ID: "a1"})
	_, err := h.engine.Evaluate(ctx, op1)
	require.NoError(t, err)

	// Export of the derived artifact: the inherited PROPRIETARY tier
	// applies even though the identifier itself matches nothing.
	op2 := domain.NewDataOperation(domain.ActionExport, []string{"warehouse/analysis"}, "s3://partner", domain.Actor{ID: "a1"})
	result, err := h.engine.Evaluate(ctx, op2)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, domain.TierProprietary, result.Classification.Tier)

	artifact, err := h.graph.Artifact(ctx, "warehouse/analysis")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, domain.TierProprietary, artifact.Current.Tier)
}

func TestOverrideReclassifiesArtifact(t *testing.T) {
	h := newHarness(t, policy.NewBuiltinEvaluator())
	ctx := context.Background()

	require.NoError(t, h.engine.Override(ctx, "lake/reference", domain.TierPublic, "published reference data", domain.Actor{ID: "steward-1"}))

	artifact, err := h.graph.Artifact(ctx, "lake/reference")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, domain.TierPublic, artifact.Current.Tier)
	assert.Equal(t, "manual", artifact.Current.Layer)

	records := h.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, domain.EventClassifyOverride, records[0].EventType)
	assert.Equal(t, domain.SeverityWarning, records[0].Severity)
	assert.Equal(t, "steward-1", records[0].Actor.ID)
	assert.Equal(t, records[0].ID, artifact.History[len(artifact.History)-1].AuditRecordID)

	assert.Error(t, h.engine.Override(ctx, "", domain.TierPublic, "", domain.Actor{}))
}

func TestEvaluateReadWithoutDestination(t *testing.T) {
	h := newHarness(t, policy.NewBuiltinEvaluator())

	op := domain.NewDataOperation(domain.ActionRead, []string{"sales.orders"}, "", domain.Actor{ID: "a1"})
	result, err := h.engine.Evaluate(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, domain.TierInternal, result.Classification.Tier)

	// No destination artifact: classification and policy records only.
	records := h.records(t)
	require.Len(t, records, 2)
	assert.Equal(t, domain.EventClassification, records[0].EventType)
	assert.Equal(t, domain.EventPolicyAllow, records[1].EventType)
}
