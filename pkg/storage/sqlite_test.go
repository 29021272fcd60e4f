package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/lacuna/pkg/audit"
	"github.com/witlox/lacuna/pkg/domain"
	"github.com/witlox/lacuna/pkg/lineage"
)

var (
	_ lineage.Store = (*SQLiteStore)(nil)
	_ audit.Store   = (*SQLiteStore)(nil)
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "lacuna.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestArtifactRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	missing, err := store.GetArtifact(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	c := domain.NewClassification(domain.TierProprietary, 0.95, "customer data", "pattern", domain.NewTagSet("PII"))
	artifact := &domain.Artifact{
		ID:        "crm.customers",
		Current:   c,
		CreatedAt: time.Now().UTC(),
		History: []domain.ClassificationChange{
			{Classification: c, AuditRecordID: uuid.New(), ChangedAt: time.Now().UTC()},
		},
	}
	require.NoError(t, store.PutArtifact(ctx, artifact))

	loaded, err := store.GetArtifact(ctx, "crm.customers")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, domain.TierProprietary, loaded.Current.Tier)
	assert.True(t, loaded.Current.Tags.Has("PII"))
	require.Len(t, loaded.History, 1)
	assert.Equal(t, artifact.History[0].AuditRecordID, loaded.History[0].AuditRecordID)

	// A second put with an extended history appends without rewriting.
	c2 := domain.NewClassification(domain.TierInternal, 0.9, "downgraded", "lineage", nil)
	artifact.Current = c2
	artifact.History = append(artifact.History, domain.ClassificationChange{
		Classification: c2, AuditRecordID: uuid.New(), ChangedAt: time.Now().UTC(),
	})
	require.NoError(t, store.PutArtifact(ctx, artifact))

	loaded, err = store.GetArtifact(ctx, "crm.customers")
	require.NoError(t, err)
	assert.Equal(t, domain.TierInternal, loaded.Current.Tier)
	assert.Len(t, loaded.History, 2)

	ids, err := store.ListArtifactIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crm.customers"}, ids)
}

func TestEdgeQueries(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	edge := domain.Edge{
		ID:            uuid.New(),
		SourceID:      "raw",
		DestinationID: "staged",
		Action:        domain.ActionFilter,
		OperationID:   uuid.New(),
		ActorID:       "u1",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.AddEdge(ctx, edge))

	into, err := store.EdgesInto(ctx, "staged")
	require.NoError(t, err)
	require.Len(t, into, 1)
	assert.Equal(t, edge.ID, into[0].ID)
	assert.Equal(t, "raw", into[0].SourceID)

	from, err := store.EdgesFrom(ctx, "raw")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, domain.ActionFilter, from[0].Action)

	none, err := store.EdgesFrom(ctx, "staged")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func auditRecord(actor string, result domain.Result, prev string) domain.AuditRecord {
	r := domain.NewAuditRecord(domain.EventClassification, domain.SeverityInfo, domain.Actor{ID: actor})
	r.ResourceID = "dataset"
	r.Result = result
	hash, _ := r.ComputeHash(prev)
	r.PreviousHash = prev
	r.RecordHash = hash
	return r
}

func TestAuditBatchAndQueries(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	last, err := store.LastHash(ctx)
	require.NoError(t, err)
	assert.Empty(t, last)

	r1 := auditRecord("alice", domain.ResultAllowed, "")
	r2 := auditRecord("bob", domain.ResultDenied, r1.RecordHash)
	require.NoError(t, store.AppendBatch(ctx, []domain.AuditRecord{r1, r2}))

	last, err = store.LastHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, r2.RecordHash, last)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := store.Records(ctx, audit.Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, r1.ID, all[0].ID)
	assert.Nil(t, audit.VerifyIntegrity("", all))

	denied, err := store.Records(ctx, audit.Query{Result: domain.ResultDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "bob", denied[0].Actor.ID)

	byActor, err := store.Records(ctx, audit.Query{ActorID: "alice", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, byActor, 1)
}

func TestAuditTimeRangeIncludesFractionalSeconds(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 4, 5, 6, 7, 500_000_000, time.UTC)
	r := domain.NewAuditRecord(domain.EventClassification, domain.SeverityInfo, domain.Actor{ID: "alice"})
	r.Timestamp = at
	hash, err := r.ComputeHash("")
	require.NoError(t, err)
	r.RecordHash = hash
	require.NoError(t, store.AppendBatch(ctx, []domain.AuditRecord{r}))

	// A record half a second past the bound must match a whole-second From.
	got, err := store.Records(ctx, audit.Query{From: at.Truncate(time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r.ID, got[0].ID)

	got, err = store.Records(ctx, audit.Query{To: at.Truncate(time.Second).Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = store.Records(ctx, audit.Query{From: at.Add(time.Second)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAuditDuplicateRejected(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	r := auditRecord("alice", domain.ResultAllowed, "")
	require.NoError(t, store.AppendBatch(ctx, []domain.AuditRecord{r}))

	err := store.AppendBatch(ctx, []domain.AuditRecord{r})
	require.ErrorIs(t, err, domain.ErrAppendOnly)

	// The failed batch must not have landed partially.
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAuditTableRejectsMutation(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	r := auditRecord("alice", domain.ResultAllowed, "")
	require.NoError(t, store.AppendBatch(ctx, []domain.AuditRecord{r}))

	_, err := store.db.ExecContext(ctx, `UPDATE audit_records SET result = 'denied'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM audit_records`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSQLiteBackedGraph(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	g := lineage.NewGraph(store, testLogger(), 10)
	op := domain.NewDataOperation(domain.ActionJoin, []string{"a", "b"}, "joined", domain.Actor{ID: "u1"})
	_, err := g.RecordOperation(ctx, op, domain.NewClassification(domain.TierInternal, 0.9, "test", "pattern", nil), uuid.New())
	require.NoError(t, err)

	var up []string
	for id := range g.Upstream(ctx, "joined", 0) {
		up = append(up, id)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, up)

	artifact, err := store.GetArtifact(ctx, "joined")
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, domain.TierInternal, artifact.Current.Tier)
}
