package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/lacuna/pkg/domain"
)

const testModule = `package lacuna

default decision := {"allow": true, "reason": "permitted", "policy_id": "test-policy"}

decision := {
	"allow": false,
	"reason": "proprietary export blocked",
	"policy_id": "test-policy",
	"alternatives": ["anonymize before export"],
	"matched_rules": ["no-proprietary-export"],
} if {
	input.tier == "PROPRIETARY"
	input.action == "export"
}
`

func testEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "lacuna/decision",
		Modules:    map[string]string{"test.rego": testModule},
		Version:    "v1",
	})
	require.NoError(t, err)
	return engine
}

func TestEngineAllows(t *testing.T) {
	engine := testEngine(t)

	decision, err := engine.Evaluate(context.Background(), domain.PolicyInput{
		Action:  domain.ActionRead,
		Tier:    domain.TierInternal,
		ActorID: "u1",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "test-policy", decision.PolicyID)
	assert.Equal(t, "v1", decision.PolicyVersion)
	assert.Equal(t, "permitted", decision.Reasoning)
}

func TestEngineDeniesWithAlternatives(t *testing.T) {
	engine := testEngine(t)

	decision, err := engine.Evaluate(context.Background(), domain.PolicyInput{
		Action:      domain.ActionExport,
		Tier:        domain.TierProprietary,
		Destination: "s3://external",
		ActorID:     "u1",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "proprietary export blocked", decision.Reasoning)
	assert.Equal(t, []string{"anonymize before export"}, decision.Alternatives)
	assert.Equal(t, []string{"no-proprietary-export"}, decision.MatchedRules)
}

func TestEngineRejectsBrokenModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package lacuna\n\ndecision :="},
	})
	require.Error(t, err)
}

func TestEngineRequiresModules(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	require.Error(t, err)
}

func TestEngineUndefinedEntrypoint(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "lacuna/decision",
		Modules:    map[string]string{"other.rego": "package lacuna\n\nunrelated := true\n"},
	})
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), domain.PolicyInput{Action: domain.ActionRead})
	require.Error(t, err)
}
