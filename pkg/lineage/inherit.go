package lineage

import (
	"fmt"
	"strings"

	"github.com/witlox/lacuna/pkg/domain"
)

// piiTags are the tag categories an anonymization must account for before
// it earns a downgrade.
var piiTags = map[string]struct{}{
	"PII":         {},
	"PHI":         {},
	"EMAIL":       {},
	"SSN":         {},
	"PHONE":       {},
	"CREDIT_CARD": {},
	"IP_ADDRESS":  {},
}

// anonymityK is the minimum average group size for an aggregation to lose
// individual granularity.
const anonymityK = 10

// Inherit derives the destination classification of a transformation from
// its source classifications:
//
//	join                       max tier, union of tags
//	filter                     passthrough
//	aggregate (granular)       max tier, DERIVED tag
//	aggregate (coarse)         one tier down (floor PUBLIC), DERIVED_FROM_<tier>
//	anonymize (verified)       INTERNAL (PUBLIC stays PUBLIC), ANONYMIZED replaces PII tags
//	anonymize (unverified)     passthrough
//	anything else              max tier, union of tags
//
// An empty source list yields UNCLASSIFIED.
func Inherit(op domain.DataOperation, sources []domain.Classification) domain.Classification {
	if len(sources) == 0 {
		return domain.NewClassification(domain.TierUnclassified, 0,
			"no classified sources", "lineage", nil)
	}

	maxTier := domain.TierUnclassified
	tags := domain.NewTagSet()
	for _, src := range sources {
		maxTier = domain.MaxTier(maxTier, src.Tier)
		tags = tags.Union(src.Tags)
	}
	confidence := minConfidence(sources)

	switch op.Action {
	case domain.ActionFilter:
		// Filtering rows removes none of the sensitivity of the ones that
		// remain.
		src := dominantSource(sources, maxTier)
		return derive(src, maxTier, src.Tags.Clone(), confidence,
			fmt.Sprintf("filter preserves %s classification", maxTier))

	case domain.ActionAggregate:
		if losesGranularity(op) {
			downgraded := maxTier.StepDown()
			out := tags.Clone()
			out.Add("DERIVED_FROM_" + string(maxTier))
			return derive(dominantSource(sources, maxTier), downgraded, out, confidence,
				fmt.Sprintf("aggregation to %d groups over %d rows loses individual granularity, %s steps down to %s",
					op.GroupCount, op.RowCount, maxTier, downgraded))
		}
		out := tags.Clone()
		out.Add("DERIVED")
		return derive(dominantSource(sources, maxTier), maxTier, out, confidence,
			fmt.Sprintf("aggregation preserves individual granularity, inherits %s", maxTier))

	case domain.ActionAnonymize:
		if !anonymizationVerified(op, tags) {
			src := dominantSource(sources, maxTier)
			return derive(src, maxTier, tags, confidence,
				"anonymization without a verifiable attestation leaves the classification unchanged")
		}
		target := domain.TierInternal
		if maxTier.Rank() <= domain.TierPublic.Rank() {
			// A flow that never carried anything above PUBLIC is not
			// upgraded by anonymizing it.
			target = maxTier
		}
		out := domain.NewTagSet("ANONYMIZED")
		for tag := range tags {
			if _, pii := piiTags[tag]; !pii {
				out.Add(tag)
			}
		}
		return derive(dominantSource(sources, maxTier), target, out, confidence,
			fmt.Sprintf("verified anonymization (%s) reduces %s to %s", op.Attestation.Method, maxTier, target))

	case domain.ActionJoin:
		return derive(dominantSource(sources, maxTier), maxTier, tags, confidence,
			fmt.Sprintf("join inherits the maximum source tier %s and the union of tags", maxTier))

	default:
		// Unknown transformations are treated conservatively.
		return derive(dominantSource(sources, maxTier), maxTier, tags, confidence,
			fmt.Sprintf("%s inherits the maximum source tier %s", op.Action, maxTier))
	}
}

// losesGranularity applies the k-anonymity heuristic: the caller must
// declare both counts, and the average group must absorb at least
// anonymityK rows. Undeclared counts conservatively preserve granularity.
func losesGranularity(op domain.DataOperation) bool {
	if op.RowCount <= 0 || op.GroupCount <= 0 {
		return false
	}
	return op.RowCount/op.GroupCount >= anonymityK
}

// anonymizationVerified requires an attestation that names at least one
// removed or generalized field and accounts for every PII tag category
// present on the sources.
func anonymizationVerified(op domain.DataOperation, tags domain.TagSet) bool {
	if !op.Attestation.Declared() {
		return false
	}
	var present []string
	for tag := range tags {
		if _, pii := piiTags[tag]; pii {
			present = append(present, strings.ToLower(tag))
		}
	}
	return op.Attestation.Covers(present)
}

// dominantSource returns the first source carrying the maximum tier; its
// identity becomes the ParentID of the derived classification.
func dominantSource(sources []domain.Classification, maxTier domain.Tier) domain.Classification {
	for _, src := range sources {
		if src.Tier == maxTier {
			return src
		}
	}
	return sources[0]
}

func derive(parent domain.Classification, tier domain.Tier, tags domain.TagSet, confidence float64, reasoning string) domain.Classification {
	c := parent.Derive(tier, tags, reasoning, "lineage")
	c.Confidence = confidence
	return c
}

// minConfidence propagates the weakest link: a derived classification is
// only as certain as its least certain input.
func minConfidence(sources []domain.Classification) float64 {
	min := 1.0
	for _, src := range sources {
		if src.Tier == domain.TierUnclassified {
			continue
		}
		if src.Confidence < min {
			min = src.Confidence
		}
	}
	return min
}
