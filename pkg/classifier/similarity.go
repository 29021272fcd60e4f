package classifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/witlox/lacuna/pkg/domain"
)

// Embedder turns text into a vector. Implementations may call out to an
// external embedding service; HashingEmbedder is the local fallback.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SimilarityClassifier is the second cascade stage: it compares the
// operation's description against per-tier example centroids and uses
// cosine similarity as the confidence.
type SimilarityClassifier struct {
	embedder Embedder
	examples func() map[domain.Tier][]string

	mu        sync.Mutex
	centroids map[domain.Tier][]float64
}

// NewSimilarityClassifier builds the similarity stage. Centroids are
// computed lazily on first use; Invalidate discards them after a
// configuration reload changes the examples.
func NewSimilarityClassifier(embedder Embedder, examples func() map[domain.Tier][]string) *SimilarityClassifier {
	if examples == nil {
		examples = func() map[domain.Tier][]string { return nil }
	}
	return &SimilarityClassifier{embedder: embedder, examples: examples}
}

// Name implements Classifier.
func (s *SimilarityClassifier) Name() string { return "similarity" }

// Priority implements Classifier.
func (s *SimilarityClassifier) Priority() int { return PrioritySimilarity }

// Invalidate discards the cached centroids.
func (s *SimilarityClassifier) Invalidate() {
	s.mu.Lock()
	s.centroids = nil
	s.mu.Unlock()
}

// Classify implements Classifier. It returns (nil, nil) when no examples
// are configured or no centroid bears any similarity to the operation.
func (s *SimilarityClassifier) Classify(ctx context.Context, op domain.DataOperation) (*domain.Classification, error) {
	centroids, err := s.loadCentroids(ctx)
	if err != nil {
		return nil, err
	}
	if len(centroids) == 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, op.Describe())
	if err != nil {
		return nil, fmt.Errorf("embed operation: %w", err)
	}

	bestTier := domain.TierUnclassified
	bestScore := 0.0
	for tier, centroid := range centroids {
		score := cosine(vec, centroid)
		if score > bestScore || (score == bestScore && bestTier.Less(tier)) {
			bestTier = tier
			bestScore = score
		}
	}
	if bestScore <= 0 {
		return nil, nil
	}

	c := domain.NewClassification(bestTier, bestScore,
		fmt.Sprintf("most similar to %s examples (cosine %.2f)", bestTier, bestScore),
		"similarity", nil)
	return &c, nil
}

func (s *SimilarityClassifier) loadCentroids(ctx context.Context) (map[domain.Tier][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.centroids != nil {
		return s.centroids, nil
	}

	examples := s.examples()
	centroids := make(map[domain.Tier][]float64, len(examples))
	for tier, texts := range examples {
		var sum []float64
		n := 0
		for _, text := range texts {
			vec, err := s.embedder.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("embed %s example: %w", tier, err)
			}
			if sum == nil {
				sum = make([]float64, len(vec))
			}
			for i := range vec {
				sum[i] += vec[i]
			}
			n++
		}
		if n == 0 {
			continue
		}
		for i := range sum {
			sum[i] /= float64(n)
		}
		centroids[tier] = sum
	}

	s.centroids = centroids
	return centroids, nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashingEmbedder is a deterministic, dependency-free embedder: tokens
// are hashed into a fixed-width bag-of-words vector. It keeps the
// similarity stage functional without an external embedding service.
type HashingEmbedder struct {
	// Dim is the vector width; zero means DefaultEmbeddingDim.
	Dim int
}

// DefaultEmbeddingDim is the hashing embedder's vector width.
const DefaultEmbeddingDim = 256

// Embed implements Embedder. The output depends only on the input text.
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}

	vec := make([]float64, dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%dim]++
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}
