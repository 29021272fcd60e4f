package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Tier is an ordered data sensitivity level.
type Tier string

const (
	// TierUnclassified is a placeholder for artifacts referenced before
	// they were ever classified. It ranks below every real tier so it can
	// never suppress inheritance of a higher tier.
	TierUnclassified Tier = "UNCLASSIFIED"
	TierPublic       Tier = "PUBLIC"
	TierInternal     Tier = "INTERNAL"
	TierProprietary  Tier = "PROPRIETARY"
)

var tierRank = map[Tier]int{
	TierUnclassified: 0,
	TierPublic:       1,
	TierInternal:     2,
	TierProprietary:  3,
}

// Rank returns the numeric sensitivity rank (higher = more sensitive).
// Unknown tiers rank as UNCLASSIFIED.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Less reports whether t is strictly less sensitive than other.
func (t Tier) Less(other Tier) bool {
	return t.Rank() < other.Rank()
}

// MaxTier returns the ordering-maximum of the given tiers, or
// TierUnclassified when the list is empty.
func MaxTier(tiers ...Tier) Tier {
	max := TierUnclassified
	for _, t := range tiers {
		if max.Less(t) {
			max = t
		}
	}
	return max
}

// StepDown returns the tier one step below t, floored at PUBLIC.
// UNCLASSIFIED steps down to itself.
func (t Tier) StepDown() Tier {
	switch t {
	case TierProprietary:
		return TierInternal
	case TierInternal:
		return TierPublic
	default:
		return t
	}
}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// TagSet is an unordered set of classification tags (PII, FINANCIAL, ...).
type TagSet map[string]struct{}

// NewTagSet builds a set from the given tags, ignoring empty strings.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		if t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

// Add inserts a tag into the set.
func (s TagSet) Add(tag string) {
	if tag != "" {
		s[tag] = struct{}{}
	}
}

// Has reports whether the set contains tag.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Union returns a new set containing the tags of both sets.
func (s TagSet) Union(other TagSet) TagSet {
	out := make(TagSet, len(s)+len(other))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Sorted returns the tags in lexical order. Used wherever a deterministic
// representation is required (serialization, hashing, reasoning strings).
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array so that any serialization
// of a tag set is deterministic.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON accepts the array form produced by MarshalJSON.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}

// Classification is the immutable result of classifying one operation or
// artifact. Downstream components derive new Classifications (for example
// through lineage inheritance) instead of mutating this one.
type Classification struct {
	ID         uuid.UUID `json:"id"`
	Tier       Tier      `json:"tier"`
	Confidence float64   `json:"confidence"`
	Tags       TagSet    `json:"tags"`
	Reasoning  string    `json:"reasoning"`

	// Layer names the cascade stage (or other producer, such as the
	// lineage graph) that created this classification.
	Layer string `json:"layer"`

	// ParentID links a derived classification back to the one it was
	// derived from.
	ParentID uuid.UUID `json:"parent_id,omitempty"`

	ClassifiedAt time.Time `json:"classified_at"`
}

// NewClassification builds a classification with a fresh ID and timestamp.
func NewClassification(tier Tier, confidence float64, reasoning, layer string, tags TagSet) Classification {
	if tags == nil {
		tags = NewTagSet()
	}
	return Classification{
		ID:           uuid.New(),
		Tier:         tier,
		Confidence:   confidence,
		Tags:         tags,
		Reasoning:    reasoning,
		Layer:        layer,
		ClassifiedAt: time.Now().UTC(),
	}
}

// Derive returns a new classification based on c with the given tier and
// tags, linked to c through ParentID. The original is left untouched.
func (c Classification) Derive(tier Tier, tags TagSet, reasoning, layer string) Classification {
	d := NewClassification(tier, c.Confidence, reasoning, layer, tags)
	d.ParentID = c.ID
	return d
}
