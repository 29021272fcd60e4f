package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/witlox/lacuna/pkg/domain"
)

func classified(tier domain.Tier, confidence float64, tags ...string) domain.Classification {
	return domain.NewClassification(tier, confidence, "test", "pattern", domain.NewTagSet(tags...))
}

func opOf(action domain.Action) domain.DataOperation {
	return domain.NewDataOperation(action, []string{"a", "b"}, "out", domain.Actor{ID: "u1"})
}

func TestInheritJoinTakesMaxTierAndUnionTags(t *testing.T) {
	customers := classified(domain.TierProprietary, 0.95, "PII")
	sales := classified(domain.TierInternal, 0.9, "FINANCIAL")

	c := Inherit(opOf(domain.ActionJoin), []domain.Classification{customers, sales})

	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.True(t, c.Tags.Has("PII"))
	assert.True(t, c.Tags.Has("FINANCIAL"))
	assert.Equal(t, customers.ID, c.ParentID)
	assert.Equal(t, 0.9, c.Confidence)
}

func TestInheritFilterPassesThrough(t *testing.T) {
	src := classified(domain.TierInternal, 0.8, "FINANCIAL")

	op := domain.NewDataOperation(domain.ActionFilter, []string{"a"}, "out", domain.Actor{ID: "u1"})
	c := Inherit(op, []domain.Classification{src})

	assert.Equal(t, domain.TierInternal, c.Tier)
	assert.Equal(t, []string{"FINANCIAL"}, c.Tags.Sorted())
}

func TestInheritAggregatePreservingGranularity(t *testing.T) {
	src := classified(domain.TierProprietary, 0.95, "PII")

	// No declared counts: conservatively assume granularity survives.
	c := Inherit(opOf(domain.ActionAggregate), []domain.Classification{src})

	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.True(t, c.Tags.Has("DERIVED"))
	assert.True(t, c.Tags.Has("PII"))
}

func TestInheritAggregateLosingGranularity(t *testing.T) {
	src := classified(domain.TierProprietary, 0.95, "PII")

	op := opOf(domain.ActionAggregate)
	op.RowCount = 10000
	op.GroupCount = 50

	c := Inherit(op, []domain.Classification{src})

	assert.Equal(t, domain.TierInternal, c.Tier)
	assert.True(t, c.Tags.Has("DERIVED_FROM_PROPRIETARY"))
}

func TestInheritAggregateFloorsAtPublic(t *testing.T) {
	src := classified(domain.TierPublic, 0.9)

	op := opOf(domain.ActionAggregate)
	op.RowCount = 1000
	op.GroupCount = 10

	c := Inherit(op, []domain.Classification{src})

	assert.Equal(t, domain.TierPublic, c.Tier)
}

func TestInheritAggregateSmallGroupsKeepGranularity(t *testing.T) {
	src := classified(domain.TierProprietary, 0.95, "PII")

	op := opOf(domain.ActionAggregate)
	op.RowCount = 100
	op.GroupCount = 90

	c := Inherit(op, []domain.Classification{src})

	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.True(t, c.Tags.Has("DERIVED"))
}

func TestInheritVerifiedAnonymization(t *testing.T) {
	src := classified(domain.TierProprietary, 0.95, "PII", "EMAIL", "FINANCIAL")

	op := opOf(domain.ActionAnonymize)
	op.Attestation = &domain.AnonymizationAttestation{
		RemovedFields: []string{"pii", "email"},
		Method:        "field removal",
	}

	c := Inherit(op, []domain.Classification{src})

	assert.Equal(t, domain.TierInternal, c.Tier)
	assert.True(t, c.Tags.Has("ANONYMIZED"))
	assert.True(t, c.Tags.Has("FINANCIAL"))
	assert.False(t, c.Tags.Has("PII"))
	assert.False(t, c.Tags.Has("EMAIL"))
}

func TestInheritVerifiedAnonymizationPublicStaysPublic(t *testing.T) {
	src := classified(domain.TierPublic, 0.9)

	op := opOf(domain.ActionAnonymize)
	op.Attestation = &domain.AnonymizationAttestation{RemovedFields: []string{"name"}}

	c := Inherit(op, []domain.Classification{src})

	assert.Equal(t, domain.TierPublic, c.Tier)
	assert.True(t, c.Tags.Has("ANONYMIZED"))
}

func TestInheritUnverifiedAnonymizationUnchanged(t *testing.T) {
	src := classified(domain.TierProprietary, 0.95, "PII")

	c := Inherit(opOf(domain.ActionAnonymize), []domain.Classification{src})

	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.True(t, c.Tags.Has("PII"))
	assert.False(t, c.Tags.Has("ANONYMIZED"))
}

func TestInheritAttestationMustCoverAllPIITags(t *testing.T) {
	src := classified(domain.TierProprietary, 0.95, "PII", "SSN")

	op := opOf(domain.ActionAnonymize)
	op.Attestation = &domain.AnonymizationAttestation{RemovedFields: []string{"pii"}}

	c := Inherit(op, []domain.Classification{src})

	// SSN unaccounted for: the attestation does not earn a downgrade.
	assert.Equal(t, domain.TierProprietary, c.Tier)
	assert.False(t, c.Tags.Has("ANONYMIZED"))
}

func TestInheritEmptySources(t *testing.T) {
	c := Inherit(opOf(domain.ActionJoin), nil)
	require.Equal(t, domain.TierUnclassified, c.Tier)
}

func TestInheritJoinProperties(t *testing.T) {
	tiers := []domain.Tier{domain.TierPublic, domain.TierInternal, domain.TierProprietary}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "sources")
		sources := make([]domain.Classification, n)
		expected := domain.TierUnclassified
		allTags := domain.NewTagSet()
		for i := range sources {
			tier := tiers[rapid.IntRange(0, len(tiers)-1).Draw(t, "tier")]
			tags := rapid.SliceOfN(rapid.SampledFrom([]string{"PII", "FINANCIAL", "CUSTOMER", "PHI"}), 0, 3).Draw(t, "tags")
			sources[i] = classified(tier, rapid.Float64Range(0.1, 1).Draw(t, "confidence"), tags...)
			expected = domain.MaxTier(expected, tier)
			allTags = allTags.Union(sources[i].Tags)
		}

		c := Inherit(opOf(domain.ActionJoin), sources)

		if c.Tier != expected {
			t.Fatalf("join tier %s, want max %s", c.Tier, expected)
		}
		for _, tag := range allTags.Sorted() {
			if !c.Tags.Has(tag) {
				t.Fatalf("join lost tag %s", tag)
			}
		}
	})
}
