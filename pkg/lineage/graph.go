package lineage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/lacuna/pkg/domain"
)

// Graph applies operations to the lineage store and keeps artifact
// classifications consistent with the inheritance rules. Writes to the
// same destination artifact are serialized; writes to distinct artifacts
// proceed concurrently.
type Graph struct {
	store    Store
	logger   *slog.Logger
	maxDepth int

	locks keyedLocks
}

// NewGraph builds a graph over the given store. maxDepth bounds
// traversals when the caller does not pass an explicit depth.
func NewGraph(store Store, logger *slog.Logger, maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Graph{
		store:    store,
		logger:   logger,
		maxDepth: maxDepth,
		locks:    keyedLocks{entries: make(map[string]*lockEntry)},
	}
}

// RecordOperation applies one operation to the graph: source artifacts
// are resolved (creating UNCLASSIFIED placeholders for unknown ones), the
// destination classification is derived from the inheritance rules
// combined with the operation's own classification, one edge per source
// is recorded, and the destination's history is extended. auditID ties
// the resulting history entry to the audit record that caused it.
//
// The returned classification is the destination's new state; for
// operations without a destination it is the inherited view of the
// sources, usable as policy input.
func (g *Graph) RecordOperation(ctx context.Context, op domain.DataOperation, opClass domain.Classification, auditID uuid.UUID) (domain.Classification, error) {
	sources := make([]domain.Classification, 0, len(op.Sources))
	for _, id := range op.Sources {
		artifact, err := g.resolveSource(ctx, id)
		if err != nil {
			return domain.Classification{}, err
		}
		sources = append(sources, artifact.Current)
	}

	inherited := Inherit(op, sources)
	final := combine(op, inherited, opClass)

	if op.Destination == "" {
		return final, nil
	}

	unlock := g.locks.lock(op.Destination)
	defer unlock()

	dest, err := g.store.GetArtifact(ctx, op.Destination)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("load artifact %s: %w", op.Destination, err)
	}
	if dest == nil {
		dest = &domain.Artifact{
			ID:        op.Destination,
			CreatedAt: time.Now().UTC(),
		}
	} else if !anonymizationFinal(op, final) {
		// An already-classified artifact never silently loses sensitivity:
		// its tier never drops and its tag set never shrinks except through
		// a verified anonymization.
		if final.Tier.Less(dest.Current.Tier) {
			kept := dest.Current
			kept.Tags = dest.Current.Tags.Union(final.Tags)
			final = kept
		} else {
			final.Tags = final.Tags.Union(dest.Current.Tags)
		}
	}

	dest.Current = final
	dest.Backfill = false
	dest.History = append(dest.History, domain.ClassificationChange{
		Classification: final,
		AuditRecordID:  auditID,
		ChangedAt:      time.Now().UTC(),
	})
	if err := g.store.PutArtifact(ctx, dest); err != nil {
		return domain.Classification{}, fmt.Errorf("store artifact %s: %w", op.Destination, err)
	}

	for _, src := range op.Sources {
		edge := domain.Edge{
			ID:            uuid.New(),
			SourceID:      src,
			DestinationID: op.Destination,
			Action:        op.Action,
			OperationID:   op.ID,
			ActorID:       op.Actor.ID,
			Transform:     op.Transform,
			CreatedAt:     time.Now().UTC(),
		}
		if err := g.store.AddEdge(ctx, edge); err != nil {
			return domain.Classification{}, fmt.Errorf("record edge %s -> %s: %w", src, op.Destination, err)
		}
	}

	g.logger.Debug("lineage updated",
		"destination", op.Destination,
		"action", op.Action,
		"tier", final.Tier,
		"sources", len(op.Sources))
	return final, nil
}

// resolveSource loads a source artifact, creating an UNCLASSIFIED
// placeholder when the operation references an artifact the graph has
// never seen.
func (g *Graph) resolveSource(ctx context.Context, id string) (*domain.Artifact, error) {
	unlock := g.locks.lock(id)
	defer unlock()

	artifact, err := g.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", id, err)
	}
	if artifact != nil {
		return artifact, nil
	}

	g.logger.Warn("unknown artifact referenced, creating placeholder",
		"artifact", id, "error", domain.ErrLineageInconsistency)
	artifact = &domain.Artifact{
		ID: id,
		Current: domain.NewClassification(domain.TierUnclassified, 0,
			"referenced before classification", "backfill", nil),
		Backfill:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.PutArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("store placeholder %s: %w", id, err)
	}
	return artifact, nil
}

// Artifact returns the stored artifact, or (nil, nil) when unknown.
func (g *Graph) Artifact(ctx context.Context, id string) (*domain.Artifact, error) {
	return g.store.GetArtifact(ctx, id)
}

// Classify records a direct classification of an artifact outside any
// transformation, e.g. an initial scan or a manual override.
func (g *Graph) Classify(ctx context.Context, id string, c domain.Classification, auditID uuid.UUID) error {
	unlock := g.locks.lock(id)
	defer unlock()

	artifact, err := g.store.GetArtifact(ctx, id)
	if err != nil {
		return fmt.Errorf("load artifact %s: %w", id, err)
	}
	if artifact == nil {
		artifact = &domain.Artifact{ID: id, CreatedAt: time.Now().UTC()}
	}

	artifact.Current = c
	artifact.Backfill = false
	artifact.History = append(artifact.History, domain.ClassificationChange{
		Classification: c,
		AuditRecordID:  auditID,
		ChangedAt:      time.Now().UTC(),
	})
	return g.store.PutArtifact(ctx, artifact)
}

// combine picks between the inherited classification and the operation's
// own cascade verdict. A verified anonymization downgrade is final; for
// everything else the more sensitive tier wins and the tag sets merge,
// so a cascade-detected tag survives even when the tiers are equal.
func combine(op domain.DataOperation, inherited, opClass domain.Classification) domain.Classification {
	if anonymizationFinal(op, inherited) {
		return inherited
	}
	merged := inherited
	if inherited.Tier.Less(opClass.Tier) {
		merged = opClass
	}
	merged.Tags = inherited.Tags.Union(opClass.Tags)
	return merged
}

// anonymizationFinal reports whether c carries a verified anonymization
// downgrade, the one event allowed to lower an artifact's sensitivity.
func anonymizationFinal(op domain.DataOperation, c domain.Classification) bool {
	return op.Action == domain.ActionAnonymize && c.Tags.Has("ANONYMIZED")
}

// keyedLocks serializes writers per artifact identifier. Entries are
// reference-counted so the map does not grow with the artifact count.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
