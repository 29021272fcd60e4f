package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/lacuna/pkg/domain"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
classification:
  rules:
    column_terms:
      PROPRIETARY: [customer, ssn]
`))
	require.NoError(t, err)

	assert.Equal(t, 0.90, cfg.Classification.PatternThreshold)
	assert.Equal(t, 0.80, cfg.Classification.SimilarityThreshold)
	assert.Equal(t, 4096, cfg.Audit.QueueSize)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, []string{"customer", "ssn"}, cfg.Classification.Rules.ColumnTerms[domain.TierProprietary])
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
classification:
  pattern_threshold: 0.95
  similarity_timeout: 100ms
audit:
  batch_size: 10
  queue_size: 20
storage:
  driver: sqlite
  path: /tmp/lacuna.db
`))
	require.NoError(t, err)

	assert.Equal(t, 0.95, cfg.Classification.PatternThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Classification.SimilarityTimeout)
	assert.Equal(t, 10, cfg.Audit.BatchSize)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"threshold above one":    func(c *Config) { c.Classification.PatternThreshold = 1.5 },
		"zero threshold":         func(c *Config) { c.Classification.SimilarityThreshold = 0 },
		"zero queue":             func(c *Config) { c.Audit.QueueSize = 0 },
		"batch above queue":      func(c *Config) { c.Audit.BatchSize = c.Audit.QueueSize + 1 },
		"zero flush interval":    func(c *Config) { c.Audit.FlushInterval = 0 },
		"zero queue age":         func(c *Config) { c.Audit.MaxQueueAge = 0 },
		"zero lineage depth":     func(c *Config) { c.Lineage.MaxDepth = 0 },
		"unknown storage driver": func(c *Config) { c.Storage.Driver = "etcd" },
		"sqlite without a path":  func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.Path = "" },
		"policy without modules": func(c *Config) { c.Policy.Enabled = true },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFileProviderReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lacuna.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lineage:\n  max_depth: 5\n"), 0o600))

	provider, err := NewFileProvider(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	snap := provider.Current()
	require.NotNil(t, snap)
	assert.Equal(t, 5, snap.Config.Lineage.MaxDepth)

	updates := provider.Subscribe()
	require.NoError(t, os.WriteFile(path, []byte("lineage:\n  max_depth: 7\n"), 0o600))

	select {
	case next := <-updates:
		assert.Equal(t, 7, next.Config.Lineage.MaxDepth)
		assert.Greater(t, next.Generation, snap.Generation)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot update after file change")
	}
}

func TestFileProviderKeepsSnapshotOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lacuna.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lineage:\n  max_depth: 5\n"), 0o600))

	provider, err := NewFileProvider(path, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	before := provider.Current()
	require.NoError(t, os.WriteFile(path, []byte("lineage:\n  max_depth: 0\n"), 0o600))

	// The invalid file must never surface as a snapshot.
	assert.Never(t, func() bool {
		return provider.Current().Config.Lineage.MaxDepth != 5
	}, 500*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, before.Generation, provider.Current().Generation)
}
