package audit

import (
	"context"
	"fmt"

	"github.com/witlox/lacuna/pkg/domain"
)

// VerifyIntegrity replays the hash chain over records, which must be in
// append order with previousHash the seed preceding the first record
// ("" from genesis). It is a pure function over its inputs: safe to run
// concurrently with writers, observing whatever prefix was read.
//
// The returned error identifies the first offending record, or nil when
// the chain is intact.
func VerifyIntegrity(previousHash string, records []domain.AuditRecord) *domain.ChainBrokenError {
	prev := previousHash
	for i, r := range records {
		if r.PreviousHash != prev {
			return &domain.ChainBrokenError{
				RecordID: r.ID,
				Index:    i,
				Reason:   fmt.Sprintf("previous hash %q does not match chain %q", r.PreviousHash, prev),
			}
		}
		computed, err := r.ComputeHash(prev)
		if err != nil {
			return &domain.ChainBrokenError{
				RecordID: r.ID,
				Index:    i,
				Reason:   fmt.Sprintf("record not hashable: %v", err),
			}
		}
		if computed != r.RecordHash {
			return &domain.ChainBrokenError{
				RecordID: r.ID,
				Index:    i,
				Reason:   "record hash does not match recomputed hash",
			}
		}
		prev = r.RecordHash
	}
	return nil
}

// Verify loads the full persisted log, checks it from genesis and records
// the check's outcome as its own audit event.
func (c *Chain) Verify(ctx context.Context) (*domain.ChainBrokenError, error) {
	records, err := c.store.Records(ctx, Query{})
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	broken := VerifyIntegrity("", records)

	r := domain.NewAuditRecord(domain.EventIntegrityCheck, domain.SeverityInfo, domain.Actor{ID: "system"})
	r.Result = domain.ResultAllowed
	r.Reasoning = fmt.Sprintf("verified %d records", len(records))
	if broken != nil {
		c.metrics.VerifyFailures.Inc()
		r.Severity = domain.SeverityCritical
		r.Result = domain.ResultError
		r.Reasoning = broken.Error()
	}
	if appendErr := c.Append(r); appendErr != nil {
		c.logger.Warn("could not record integrity check", "error", appendErr)
	}
	return broken, nil
}
