package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the governance error taxonomy.
var (
	// ErrClassificationTimeout signals that a cascade stage exceeded its
	// budget. Recovered by falling through to the next stage, or to the
	// fail-safe default at the terminal stage.
	ErrClassificationTimeout = errors.New("classification stage timed out")

	// ErrLineageInconsistency signals a referenced artifact that does not
	// exist. Recovered by lazy creation with an UNCLASSIFIED placeholder.
	ErrLineageInconsistency = errors.New("lineage inconsistency")

	// ErrPolicyUnavailable signals that the policy evaluator failed or
	// timed out. Always surfaced as a DENY decision, never a silent allow.
	ErrPolicyUnavailable = errors.New("policy evaluator unavailable")

	// ErrAuditBackpressure signals that the audit queue overflowed and a
	// record was dropped under the bounded drop-oldest policy.
	ErrAuditBackpressure = errors.New("audit write backpressure")

	// ErrAppendOnly signals an attempted update or delete against the
	// audit table.
	ErrAppendOnly = errors.New("audit log is append-only")
)

// ChainBrokenError reports a hash-chain integrity failure. It is fatal for
// compliance reporting and is surfaced immediately, never auto-healed.
type ChainBrokenError struct {
	// RecordID identifies the first record that failed verification.
	RecordID uuid.UUID
	// Index is the record's position in the verified range.
	Index int
	// Reason distinguishes a broken link from a recomputed-hash mismatch.
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("audit chain broken at record %s (index %d): %s", e.RecordID, e.Index, e.Reason)
}
