package domain

import (
	"time"

	"github.com/google/uuid"
)

// PolicyInput is the structured payload sent to the policy evaluator.
type PolicyInput struct {
	Action               Action   `json:"action"`
	ResourceID           string   `json:"resource_id"`
	Tier                 Tier     `json:"tier"`
	Confidence           float64  `json:"confidence"`
	Tags                 []string `json:"tags"`
	Destination          string   `json:"destination,omitempty"`
	DestinationEncrypted bool     `json:"destination_encrypted"`
	ActorID              string   `json:"actor_id"`
	ActorRole            string   `json:"actor_role,omitempty"`
	Purpose              string   `json:"purpose,omitempty"`
	LineageChain         []string `json:"lineage_chain,omitempty"`
	Environment          string   `json:"environment,omitempty"`
	Project              string   `json:"project,omitempty"`
}

// PolicyDecision is the evaluator's answer for one operation.
type PolicyDecision struct {
	Allowed       bool     `json:"allowed"`
	PolicyID      string   `json:"policy_id,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
	Reasoning     string   `json:"reasoning"`
	Alternatives  []string `json:"alternatives,omitempty"`
	MatchedRules  []string `json:"matched_rules,omitempty"`
}

// GovernanceResult is the orchestrator's complete answer for one
// evaluated operation.
type GovernanceResult struct {
	EvaluationID uuid.UUID `json:"evaluation_id"`
	Timestamp    time.Time `json:"timestamp"`

	Allowed        bool           `json:"allowed"`
	Classification Classification `json:"classification"`
	Decision       PolicyDecision `json:"decision"`
	Alternatives   []string       `json:"alternatives,omitempty"`

	// AuditRecordID identifies the policy-decision audit record emitted
	// for this evaluation.
	AuditRecordID uuid.UUID `json:"audit_record_id"`

	ClassificationLatency time.Duration `json:"classification_latency"`
	PolicyLatency         time.Duration `json:"policy_latency"`
	TotalLatency          time.Duration `json:"total_latency"`

	Err string `json:"error,omitempty"`
}
