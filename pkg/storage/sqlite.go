// Package storage provides the SQLite persistence backend for the
// lineage graph and the audit log. The in-memory stores in pkg/lineage
// and pkg/audit remain the default; this backend is selected through
// storage.driver: sqlite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/witlox/lacuna/pkg/audit"
	"github.com/witlox/lacuna/pkg/domain"
)

// timeFormat is RFC 3339 with a fixed-width nanosecond fraction. The ts
// column is compared lexicographically in range queries, and RFC3339Nano
// trims trailing zeros, which breaks string ordering around the second
// boundary ('.' sorts before 'Z').
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	current     TEXT NOT NULL,
	backfill    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS artifact_history (
	artifact_id     TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	classification  TEXT NOT NULL,
	audit_record_id TEXT NOT NULL,
	changed_at      TEXT NOT NULL,
	PRIMARY KEY (artifact_id, seq)
);

CREATE TABLE IF NOT EXISTS edges (
	id             TEXT PRIMARY KEY,
	source_id      TEXT NOT NULL,
	destination_id TEXT NOT NULL,
	action         TEXT NOT NULL,
	operation_id   TEXT NOT NULL,
	actor_id       TEXT,
	transform      TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges (source_id);
CREATE INDEX IF NOT EXISTS idx_edges_destination ON edges (destination_id);

CREATE TABLE IF NOT EXISTS audit_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	record      TEXT NOT NULL,
	record_hash TEXT NOT NULL,
	actor_id    TEXT,
	resource_id TEXT,
	result      TEXT,
	event_type  TEXT,
	ts          TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS audit_records_no_update
BEFORE UPDATE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
BEFORE DELETE ON audit_records
BEGIN
	SELECT RAISE(ABORT, 'audit log is append-only');
END;
`

// SQLiteStore persists artifacts, edges and audit records in one SQLite
// database. It implements lineage.Store and audit.Store. The audit table
// carries database-level triggers rejecting updates and deletes.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) the database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetArtifact implements lineage.Store.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*domain.Artifact, error) {
	var (
		currentJSON string
		backfill    bool
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT current, backfill, created_at FROM artifacts WHERE id = ?`, id).
		Scan(&currentJSON, &backfill, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", id, err)
	}

	artifact := &domain.Artifact{ID: id, Backfill: backfill}
	if err := json.Unmarshal([]byte(currentJSON), &artifact.Current); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	if artifact.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("decode artifact %s created_at: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT classification, audit_record_id, changed_at FROM artifact_history
		 WHERE artifact_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			classJSON string
			auditID   string
			changedAt string
		)
		if err := rows.Scan(&classJSON, &auditID, &changedAt); err != nil {
			return nil, fmt.Errorf("scan history of %s: %w", id, err)
		}
		var change domain.ClassificationChange
		if err := json.Unmarshal([]byte(classJSON), &change.Classification); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", id, err)
		}
		if change.AuditRecordID, err = uuid.Parse(auditID); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", id, err)
		}
		if change.ChangedAt, err = time.Parse(time.RFC3339Nano, changedAt); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", id, err)
		}
		artifact.History = append(artifact.History, change)
	}
	return artifact, rows.Err()
}

// PutArtifact implements lineage.Store. History rows are append-only:
// already-persisted entries are never rewritten.
func (s *SQLiteStore) PutArtifact(ctx context.Context, artifact *domain.Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store artifact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	currentJSON, err := json.Marshal(artifact.Current)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", artifact.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, current, backfill, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET current = excluded.current, backfill = excluded.backfill`,
		artifact.ID, string(currentJSON), artifact.Backfill, artifact.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store artifact %s: %w", artifact.ID, err)
	}

	for seq, change := range artifact.History {
		classJSON, err := json.Marshal(change.Classification)
		if err != nil {
			return fmt.Errorf("encode history of %s: %w", artifact.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO artifact_history (artifact_id, seq, classification, audit_record_id, changed_at)
			 VALUES (?, ?, ?, ?, ?)`,
			artifact.ID, seq, string(classJSON), change.AuditRecordID.String(),
			change.ChangedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("store history of %s: %w", artifact.ID, err)
		}
	}
	return tx.Commit()
}

// ListArtifactIDs implements lineage.Store.
func (s *SQLiteStore) ListArtifactIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM artifacts`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddEdge implements lineage.Store.
func (s *SQLiteStore) AddEdge(ctx context.Context, edge domain.Edge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO edges (id, source_id, destination_id, action, operation_id, actor_id, transform, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		edge.ID.String(), edge.SourceID, edge.DestinationID, string(edge.Action),
		edge.OperationID.String(), edge.ActorID, edge.Transform,
		edge.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("store edge %s -> %s: %w", edge.SourceID, edge.DestinationID, err)
	}
	return nil
}

// EdgesInto implements lineage.Store.
func (s *SQLiteStore) EdgesInto(ctx context.Context, id string) ([]domain.Edge, error) {
	return s.edges(ctx, `destination_id`, id)
}

// EdgesFrom implements lineage.Store.
func (s *SQLiteStore) EdgesFrom(ctx context.Context, id string) ([]domain.Edge, error) {
	return s.edges(ctx, `source_id`, id)
}

func (s *SQLiteStore) edges(ctx context.Context, column, id string) ([]domain.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, destination_id, action, operation_id, actor_id, transform, created_at
		 FROM edges WHERE `+column+` = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("load edges of %s: %w", id, err)
	}
	defer rows.Close()

	var edges []domain.Edge
	for rows.Next() {
		var (
			edge        domain.Edge
			edgeID      string
			operationID string
			action      string
			createdAt   string
		)
		if err := rows.Scan(&edgeID, &edge.SourceID, &edge.DestinationID, &action, &operationID, &edge.ActorID, &edge.Transform, &createdAt); err != nil {
			return nil, err
		}
		if edge.ID, err = uuid.Parse(edgeID); err != nil {
			return nil, fmt.Errorf("decode edge %s: %w", edgeID, err)
		}
		if edge.OperationID, err = uuid.Parse(operationID); err != nil {
			return nil, fmt.Errorf("decode edge %s: %w", edgeID, err)
		}
		edge.Action = domain.Action(action)
		if edge.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("decode edge %s: %w", edgeID, err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// AppendBatch implements audit.Store: all records land or none do.
func (s *SQLiteStore) AppendBatch(ctx context.Context, records []domain.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		recordJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode audit record %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_records (id, record, record_hash, actor_id, resource_id, result, event_type, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), string(recordJSON), r.RecordHash,
			r.Actor.ID, r.ResourceID, string(r.Result), string(r.EventType),
			r.Timestamp.UTC().Format(timeFormat))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("audit record %s already persisted: %w", r.ID, domain.ErrAppendOnly)
			}
			return fmt.Errorf("store audit record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LastHash implements audit.Store.
func (s *SQLiteStore) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load last audit hash: %w", err)
	}
	return hash, nil
}

// Records implements audit.Store.
func (s *SQLiteStore) Records(ctx context.Context, q audit.Query) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if q.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, q.ResourceID)
	}
	if q.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(q.Result))
	}
	if len(q.EventTypes) > 0 {
		placeholders := make([]string, len(q.EventTypes))
		for i, et := range q.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(et))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !q.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.From.UTC().Format(timeFormat))
	}
	if !q.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.To.UTC().Format(timeFormat))
	}

	query := `SELECT record FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	// Retention expiry depends on the record's own retention_days, which
	// only exists inside the JSON column, so that filter (and the limit,
	// when it applies after it) runs over decoded records.
	if q.Limit > 0 && q.ExpiredBefore.IsZero() {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, err
		}
		var r domain.AuditRecord
		if err := json.Unmarshal([]byte(recordJSON), &r); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		if !q.ExpiredBefore.IsZero() && !r.Expired(q.ExpiredBefore) {
			continue
		}
		records = append(records, r)
		if q.Limit > 0 && len(records) == q.Limit {
			break
		}
	}
	return records, rows.Err()
}

// Count implements audit.Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}
