package domain

import (
	"time"

	"github.com/google/uuid"
)

// Action is the kind of data operation being governed.
type Action string

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionJoin      Action = "join"
	ActionAggregate Action = "aggregate"
	ActionFilter    Action = "filter"
	ActionExport    Action = "export"
	ActionAnonymize Action = "anonymize"
	ActionTransform Action = "transform"
)

// IsTransformation reports whether the action derives a new artifact from
// existing ones.
func (a Action) IsTransformation() bool {
	switch a {
	case ActionJoin, ActionAggregate, ActionFilter, ActionAnonymize, ActionTransform:
		return true
	}
	return false
}

// Actor identifies who requested an operation.
type Actor struct {
	ID         string `json:"id"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
}

// AnonymizationAttestation is a caller-supplied claim that specific fields
// were removed or generalized by an anonymize operation. Without a valid
// attestation the lineage graph treats anonymization as a no-op for
// classification purposes.
type AnonymizationAttestation struct {
	// RemovedFields lists the fields that were dropped outright.
	RemovedFields []string `json:"removed_fields"`
	// GeneralizedFields lists fields that were coarsened (bucketed,
	// truncated, hashed) rather than dropped.
	GeneralizedFields []string `json:"generalized_fields,omitempty"`
	// Method is a free-text description of the anonymization technique.
	Method string `json:"method,omitempty"`
}

// Declared reports whether the attestation names at least one field.
func (a *AnonymizationAttestation) Declared() bool {
	return a != nil && (len(a.RemovedFields) > 0 || len(a.GeneralizedFields) > 0)
}

// Covers reports whether every given field appears in the attestation's
// removed or generalized lists.
func (a *AnonymizationAttestation) Covers(fields []string) bool {
	if a == nil {
		return false
	}
	declared := make(map[string]struct{}, len(a.RemovedFields)+len(a.GeneralizedFields))
	for _, f := range a.RemovedFields {
		declared[f] = struct{}{}
	}
	for _, f := range a.GeneralizedFields {
		declared[f] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := declared[f]; !ok {
			return false
		}
	}
	return true
}

// DataOperation is the immutable description of one governed action.
// It is created at the caller boundary and owned by the orchestrator for
// the duration of a single request.
type DataOperation struct {
	ID     uuid.UUID `json:"id"`
	Action Action    `json:"action"`

	// Sources is the ordered list of input artifact identifiers.
	Sources []string `json:"sources"`
	// Destination is the artifact the operation produces or targets.
	Destination string `json:"destination"`

	Actor   Actor  `json:"actor"`
	Purpose string `json:"purpose,omitempty"`

	// Transform carries the transformation code or text, when available.
	Transform string `json:"transform,omitempty"`

	// Aggregate granularity declaration. GroupCount is the number of
	// distinct groups produced; RowCount is the number of input rows.
	// Zero values mean "not declared".
	RowCount   int64 `json:"row_count,omitempty"`
	GroupCount int64 `json:"group_count,omitempty"`

	// Attestation backs an anonymize action. Nil means unverified.
	Attestation *AnonymizationAttestation `json:"attestation,omitempty"`

	// DestinationEncrypted marks destinations with at-rest encryption,
	// consulted by export policies.
	DestinationEncrypted bool `json:"destination_encrypted,omitempty"`

	Project     string `json:"project,omitempty"`
	Environment string `json:"environment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewDataOperation builds an operation with a fresh ID and timestamp.
func NewDataOperation(action Action, sources []string, destination string, actor Actor) DataOperation {
	return DataOperation{
		ID:          uuid.New(),
		Action:      action,
		Sources:     append([]string(nil), sources...),
		Destination: destination,
		Actor:       actor,
		CreatedAt:   time.Now().UTC(),
	}
}

// Describe renders a compact textual description of the operation for the
// classification cascade's similarity and reasoning stages.
func (op DataOperation) Describe() string {
	s := string(op.Action)
	for _, src := range op.Sources {
		s += " " + src
	}
	if op.Destination != "" {
		s += " -> " + op.Destination
	}
	if op.Purpose != "" {
		s += " (" + op.Purpose + ")"
	}
	return s
}
