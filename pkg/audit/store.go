// Package audit implements the tamper-evident audit log: a hash-chained,
// append-only record store fed by a bounded asynchronous write path.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/witlox/lacuna/pkg/domain"
)

// Query filters audit reads. Zero-valued fields match everything.
type Query struct {
	ActorID    string
	ResourceID string
	Result     domain.Result
	EventTypes []domain.EventType
	From       time.Time
	To         time.Time
	// ExpiredBefore matches records whose retention window closed before
	// the given instant. Archival itself is out of scope; this only lets
	// callers find what a retention job would act on.
	ExpiredBefore time.Time
	// Limit caps the number of returned records; zero means no cap.
	Limit int
}

func (q Query) matches(r domain.AuditRecord) bool {
	if q.ActorID != "" && r.Actor.ID != q.ActorID {
		return false
	}
	if q.ResourceID != "" && r.ResourceID != q.ResourceID {
		return false
	}
	if q.Result != "" && r.Result != q.Result {
		return false
	}
	if len(q.EventTypes) > 0 {
		found := false
		for _, et := range q.EventTypes {
			if r.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && r.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.Timestamp.After(q.To) {
		return false
	}
	if !q.ExpiredBefore.IsZero() && !r.Expired(q.ExpiredBefore) {
		return false
	}
	return true
}

// Store persists chained audit records. Implementations are append-only:
// nothing ever updates or deletes a persisted record.
type Store interface {
	// AppendBatch persists records atomically, in order: either the whole
	// batch lands or none of it does.
	AppendBatch(ctx context.Context, records []domain.AuditRecord) error
	// LastHash returns the RecordHash of the newest persisted record, or
	// "" for an empty log.
	LastHash(ctx context.Context) (string, error)
	// Records returns matching records in append order.
	Records(ctx context.Context, q Query) ([]domain.AuditRecord, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendBatch implements Store.
func (s *MemoryStore) AppendBatch(_ context.Context, records []domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// LastHash implements Store.
func (s *MemoryStore) LastHash(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return "", nil
	}
	return s.records[len(s.records)-1].RecordHash, nil
}

// Records implements Store.
func (s *MemoryStore) Records(_ context.Context, q Query) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditRecord
	for _, r := range s.records {
		if !q.matches(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
