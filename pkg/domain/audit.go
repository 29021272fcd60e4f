package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes auditable events.
type EventType string

const (
	EventClassification   EventType = "classification.automatic"
	EventLineageUpdate    EventType = "lineage.update"
	EventPolicyAllow      EventType = "policy.allow"
	EventPolicyDeny       EventType = "policy.deny"
	EventPolicyError      EventType = "policy.error"
	EventIntegrityCheck   EventType = "audit.integrity_check"
	EventAdminRuleReload  EventType = "admin.rules.reload"
	EventClassifyOverride EventType = "classification.manual_override"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Result of the audited action.
type Result string

const (
	ResultAllowed Result = "allowed"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// ClassificationSnapshot is the classification state frozen into an audit
// record at decision time.
type ClassificationSnapshot struct {
	Tier       Tier     `json:"tier"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
	Reasoning  string   `json:"reasoning"`
	Layer      string   `json:"layer"`
}

// SnapshotOf freezes a classification for auditing.
func SnapshotOf(c Classification) ClassificationSnapshot {
	return ClassificationSnapshot{
		Tier:       c.Tier,
		Confidence: c.Confidence,
		Tags:       c.Tags.Sorted(),
		Reasoning:  c.Reasoning,
		Layer:      c.Layer,
	}
}

// AuditRecord is one immutable entry in the hash-chained audit log.
//
// The chain invariant is
//
//	RecordHash = SHA-256(canonical(record with both hash fields zeroed) || PreviousHash)
//
// where canonical() is the record's JSON encoding (struct field order,
// RFC3339Nano UTC timestamps, sorted tag arrays). A record is never
// updated or deleted after it is appended; any mutation invalidates every
// subsequent hash, which is the detection mechanism.
type AuditRecord struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`

	Actor Actor `json:"actor"`

	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	Action Action `json:"action"`
	Result Result `json:"result"`

	Classification ClassificationSnapshot `json:"classification"`

	PolicyID      string `json:"policy_id,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	Reasoning     string `json:"reasoning,omitempty"`

	// ParentID links records emitted for the same operation: the policy
	// decision record references the classification record that preceded
	// it, preserving causal order inside one operation.
	ParentID uuid.UUID `json:"parent_id,omitempty"`

	OperationID  uuid.UUID `json:"operation_id,omitempty"`
	LineageChain []string  `json:"lineage_chain,omitempty"`

	// RetentionDays is the retention boundary for this record. Archival
	// mechanics live outside this module.
	RetentionDays int `json:"retention_days"`

	PreviousHash string `json:"previous_hash"`
	RecordHash   string `json:"record_hash"`
}

// DefaultRetentionDays is seven years, the common compliance floor.
const DefaultRetentionDays = 2555

// NewAuditRecord builds a record with identity, timestamp and the default
// retention period. The hash fields are filled in by the audit chain when
// the record is chained.
func NewAuditRecord(event EventType, severity Severity, actor Actor) AuditRecord {
	return AuditRecord{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		EventType:     event,
		Severity:      severity,
		Actor:         actor,
		RetentionDays: DefaultRetentionDays,
	}
}

// Expired reports whether the record's retention window closed before the
// given instant. Records without an explicit retention period use the
// default.
func (r AuditRecord) Expired(at time.Time) bool {
	days := r.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return r.Timestamp.AddDate(0, 0, days).Before(at)
}

// ComputeHash derives the record's chain hash from its own fields and the
// given predecessor hash. The receiver is not modified.
func (r AuditRecord) ComputeHash(previousHash string) (string, error) {
	r.PreviousHash = ""
	r.RecordHash = ""
	r.Timestamp = r.Timestamp.UTC()
	canonical, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit record %s: %w", r.ID, err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
