// Package domain defines the core types shared across the governance
// engine: sensitivity tiers, classifications, data operations, lineage
// artifacts and edges, audit records, and the error taxonomy.
//
// Types in this package are value types or immutable once constructed.
// Components that need to "change" a classification derive a new one;
// they never mutate an existing value.
package domain
