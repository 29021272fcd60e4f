package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
)

func testRules() config.RuleSet {
	return config.RuleSet{
		PathPrefixes: map[domain.Tier][]string{
			domain.TierProprietary: {"vault/"},
			domain.TierPublic:      {"public/"},
		},
		ColumnTerms: map[domain.Tier][]string{
			domain.TierInternal: {"salary"},
		},
		LiteralTerms: map[domain.Tier][]string{
			domain.TierProprietary: {"trade secret"},
		},
		ProprietaryProjects:  []string{"orion"},
		ProprietaryCustomers: []string{"acme corp"},
	}
}

func TestPatternClassifierDetectsEmail(t *testing.T) {
	p := NewPatternClassifier(testRules)

	op := domain.NewDataOperation(domain.ActionExport, []string{"users"}, "s3://dump", domain.Actor{ID: "u1"})
	op.Transform = "SELECT 'alice@example.com' AS contact FROM users"

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.Equal(t, 1.0, c.Confidence)
	assert.True(t, c.Tags.Has("EMAIL"))
	assert.True(t, c.Tags.Has("PII"))
	assert.Equal(t, "pattern", c.Layer)
}

func TestPatternClassifierDetectsSSN(t *testing.T) {
	p := NewPatternClassifier(testRules)

	op := domain.NewDataOperation(domain.ActionWrite, []string{"staging"}, "warehouse", domain.Actor{ID: "u1"})
	op.Transform = "INSERT INTO people VALUES ('123-45-6789')"

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.True(t, c.Tags.Has("SSN"))
}

func TestPatternClassifierColumnTerm(t *testing.T) {
	p := NewPatternClassifier(testRules)

	op := domain.NewDataOperation(domain.ActionRead, []string{"hr.salary_bands"}, "", domain.Actor{ID: "u1"})

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierInternal, c.Tier)
	assert.Equal(t, 1.0, c.Confidence)
	assert.True(t, c.Tags.Has("SALARY"))
}

func TestPatternClassifierHighestTierWins(t *testing.T) {
	p := NewPatternClassifier(testRules)

	// Matches both the INTERNAL column term and a proprietary literal.
	op := domain.NewDataOperation(domain.ActionRead, []string{"hr.salary_bands"}, "", domain.Actor{ID: "u1"})
	op.Purpose = "compare against trade secret compensation model"

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.True(t, c.Tags.Has("SALARY"))
}

func TestPatternClassifierProprietaryProject(t *testing.T) {
	p := NewPatternClassifier(testRules)

	op := domain.NewDataOperation(domain.ActionRead, []string{"metrics.daily"}, "", domain.Actor{ID: "u1"})
	op.Project = "Orion"

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierProprietary, c.Tier)
}

func TestPatternClassifierPathPrefix(t *testing.T) {
	p := NewPatternClassifier(testRules)

	op := domain.NewDataOperation(domain.ActionRead, []string{"vault/contracts/2026"}, "", domain.Actor{ID: "u1"})

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domain.TierProprietary, c.Tier)
}

func TestPatternClassifierNoMatch(t *testing.T) {
	p := NewPatternClassifier(testRules)

	op := domain.NewDataOperation(domain.ActionRead, []string{"weather.daily"}, "", domain.Actor{ID: "u1"})

	c, err := p.Classify(context.Background(), op)
	require.NoError(t, err)
	assert.Nil(t, c)
}
