// Package policy decides whether classified operations may proceed. The
// primary evaluator embeds OPA; a builtin rule set serves as fallback
// when no Rego modules are configured.
package policy

import (
	"context"

	"github.com/witlox/lacuna/pkg/domain"
)

// Evaluator produces an allow/deny decision for one classified operation.
// An error means the evaluator could not decide; the caller must treat
// that as a denial, never a silent allow.
type Evaluator interface {
	Evaluate(ctx context.Context, input domain.PolicyInput) (domain.PolicyDecision, error)
}
