// Package lineage maintains the directed graph of data artifacts and
// propagates classifications along it according to the transformation
// inheritance rules.
package lineage

import (
	"context"
	"sync"

	"github.com/witlox/lacuna/pkg/domain"
)

// Store persists artifacts and lineage edges. GetArtifact returns
// (nil, nil) for an unknown artifact; lazy creation is the graph's job.
type Store interface {
	GetArtifact(ctx context.Context, id string) (*domain.Artifact, error)
	PutArtifact(ctx context.Context, artifact *domain.Artifact) error
	ListArtifactIDs(ctx context.Context) ([]string, error)

	AddEdge(ctx context.Context, edge domain.Edge) error
	// EdgesInto returns edges whose destination is id (upstream step).
	EdgesInto(ctx context.Context, id string) ([]domain.Edge, error)
	// EdgesFrom returns edges whose source is id (downstream step).
	EdgesFrom(ctx context.Context, id string) ([]domain.Edge, error)
}

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]domain.Artifact
	bySource  map[string][]domain.Edge
	byDest    map[string][]domain.Edge
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]domain.Artifact),
		bySource:  make(map[string][]domain.Edge),
		byDest:    make(map[string][]domain.Edge),
	}
}

// GetArtifact implements Store.
func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, nil
	}
	out := a
	out.History = append([]domain.ClassificationChange(nil), a.History...)
	return &out, nil
}

// PutArtifact implements Store.
func (s *MemoryStore) PutArtifact(_ context.Context, artifact *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *artifact
	a.History = append([]domain.ClassificationChange(nil), artifact.History...)
	s.artifacts[artifact.ID] = a
	return nil
}

// ListArtifactIDs implements Store.
func (s *MemoryStore) ListArtifactIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.artifacts))
	for id := range s.artifacts {
		ids = append(ids, id)
	}
	return ids, nil
}

// AddEdge implements Store.
func (s *MemoryStore) AddEdge(_ context.Context, edge domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bySource[edge.SourceID] = append(s.bySource[edge.SourceID], edge)
	s.byDest[edge.DestinationID] = append(s.byDest[edge.DestinationID], edge)
	return nil
}

// EdgesInto implements Store.
func (s *MemoryStore) EdgesInto(_ context.Context, id string) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Edge(nil), s.byDest[id]...), nil
}

// EdgesFrom implements Store.
func (s *MemoryStore) EdgesFrom(_ context.Context, id string) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Edge(nil), s.bySource[id]...), nil
}
