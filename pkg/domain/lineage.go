package domain

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is a node in the lineage graph: a dataset, table, file or other
// identifiable data resource. The graph owns artifacts for the lifetime of
// the process and persists them through its store.
type Artifact struct {
	ID string `json:"id"`

	// Current is the most recently assigned classification. The full
	// immutable history lives in History.
	Current Classification `json:"current"`

	// History holds prior classifications, oldest first. Each entry is
	// tied to the audit record that caused the change via AuditRecordID.
	History []ClassificationChange `json:"history,omitempty"`

	// Backfill marks artifacts that were created lazily with an
	// UNCLASSIFIED placeholder and still await a real classification.
	Backfill bool `json:"backfill,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ClassificationChange records one historical classification of an
// artifact together with the audit record that caused it.
type ClassificationChange struct {
	Classification Classification `json:"classification"`
	AuditRecordID  uuid.UUID      `json:"audit_record_id"`
	ChangedAt      time.Time      `json:"changed_at"`
}

// Edge is a directed lineage edge (source -> destination) annotated with
// the operation that created it. Repeated operations between the same pair
// produce distinct edges; each is a provenance fact and none is deduplicated.
type Edge struct {
	ID            uuid.UUID `json:"id"`
	SourceID      string    `json:"source_id"`
	DestinationID string    `json:"destination_id"`
	Action        Action    `json:"action"`
	OperationID   uuid.UUID `json:"operation_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Transform     string    `json:"transform,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
