package lineage

import (
	"context"
	"iter"

	"github.com/witlox/lacuna/pkg/domain"
)

// Upstream yields the artifacts feeding into id, breadth-first, nearest
// first, without the starting artifact itself. maxDepth <= 0 falls back
// to the graph's configured bound. The walk is lazy: edges beyond the
// point where the consumer stops are never loaded.
func (g *Graph) Upstream(ctx context.Context, id string, maxDepth int) iter.Seq[string] {
	return g.walk(ctx, id, maxDepth, g.store.EdgesInto, func(e domain.Edge) string { return e.SourceID })
}

// Downstream yields the artifacts derived from id, breadth-first.
func (g *Graph) Downstream(ctx context.Context, id string, maxDepth int) iter.Seq[string] {
	return g.walk(ctx, id, maxDepth, g.store.EdgesFrom, func(e domain.Edge) string { return e.DestinationID })
}

func (g *Graph) walk(
	ctx context.Context,
	start string,
	maxDepth int,
	edges func(context.Context, string) ([]domain.Edge, error),
	next func(domain.Edge) string,
) iter.Seq[string] {
	if maxDepth <= 0 {
		maxDepth = g.maxDepth
	}

	return func(yield func(string) bool) {
		type frontier struct {
			id    string
			depth int
		}
		seen := map[string]struct{}{start: {}}
		queue := []frontier{{id: start}}

		for len(queue) > 0 {
			if ctx.Err() != nil {
				return
			}
			head := queue[0]
			queue = queue[1:]
			if head.depth >= maxDepth {
				continue
			}

			hops, err := edges(ctx, head.id)
			if err != nil {
				g.logger.Warn("lineage traversal aborted", "artifact", head.id, "error", err)
				return
			}
			for _, edge := range hops {
				neighbor := next(edge)
				if _, ok := seen[neighbor]; ok {
					continue
				}
				seen[neighbor] = struct{}{}
				if !yield(neighbor) {
					return
				}
				queue = append(queue, frontier{id: neighbor, depth: head.depth + 1})
			}
		}
	}
}

// ImpactReport summarizes what a reclassification of one artifact would
// touch downstream.
type ImpactReport struct {
	ArtifactID string              `json:"artifact_id"`
	Downstream []string            `json:"downstream"`
	TierCounts map[domain.Tier]int `json:"tier_counts"`
}

// Impact walks the downstream closure of id and tallies the affected
// artifacts by their current tier.
func (g *Graph) Impact(ctx context.Context, id string, maxDepth int) (ImpactReport, error) {
	report := ImpactReport{
		ArtifactID: id,
		TierCounts: make(map[domain.Tier]int),
	}
	for affected := range g.Downstream(ctx, id, maxDepth) {
		report.Downstream = append(report.Downstream, affected)
		artifact, err := g.store.GetArtifact(ctx, affected)
		if err != nil {
			return ImpactReport{}, err
		}
		if artifact != nil {
			report.TierCounts[artifact.Current.Tier]++
		}
	}
	return report, nil
}
