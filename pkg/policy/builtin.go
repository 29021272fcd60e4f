package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/witlox/lacuna/pkg/domain"
)

// BuiltinEvaluator enforces a fixed baseline rule set without any Rego
// modules. It runs when no policy modules are configured and keeps the
// most dangerous flows shut even in a minimal deployment:
//
//	B-1  PROPRIETARY data never leaves managed storage
//	B-2  non-PUBLIC exports require an encrypted destination
//	B-3  INTERNAL data is not exported to unmanaged destinations
//
// Everything else is allowed and relies on the audit trail.
type BuiltinEvaluator struct {
	// ManagedPrefixes identify destinations under organizational control.
	ManagedPrefixes []string
}

// NewBuiltinEvaluator builds the fallback evaluator with the default
// managed-storage prefixes.
func NewBuiltinEvaluator() *BuiltinEvaluator {
	return &BuiltinEvaluator{
		ManagedPrefixes: []string{"warehouse/", "lake/", "internal/"},
	}
}

const builtinPolicyID = "builtin"

// Evaluate implements Evaluator. It never returns an error.
func (b *BuiltinEvaluator) Evaluate(_ context.Context, input domain.PolicyInput) (domain.PolicyDecision, error) {
	if input.Action == domain.ActionExport {
		managed := b.managed(input.Destination)

		if input.Tier == domain.TierProprietary && !managed {
			return deny("B-1",
				fmt.Sprintf("PROPRIETARY data may not be exported to unmanaged destination %q", input.Destination),
				"anonymize the data with a verifiable attestation before exporting",
				"use a managed destination",
			), nil
		}
		if input.Tier.Rank() >= domain.TierInternal.Rank() && !input.DestinationEncrypted {
			return deny("B-2",
				fmt.Sprintf("%s data requires an encrypted destination", input.Tier),
				"enable at-rest encryption on the destination",
			), nil
		}
		if input.Tier == domain.TierInternal && !managed {
			return deny("B-3",
				fmt.Sprintf("INTERNAL data may not be exported to unmanaged destination %q", input.Destination),
				"use a managed destination",
			), nil
		}
	}

	return domain.PolicyDecision{
		Allowed:   true,
		PolicyID:  builtinPolicyID,
		Reasoning: fmt.Sprintf("%s of %s data permitted by baseline policy", input.Action, input.Tier),
	}, nil
}

func (b *BuiltinEvaluator) managed(destination string) bool {
	for _, prefix := range b.ManagedPrefixes {
		if strings.HasPrefix(destination, prefix) {
			return true
		}
	}
	return false
}

func deny(rule, reason string, alternatives ...string) domain.PolicyDecision {
	return domain.PolicyDecision{
		Allowed:      false,
		PolicyID:     builtinPolicyID,
		Reasoning:    reason,
		Alternatives: alternatives,
		MatchedRules: []string{rule},
	}
}
