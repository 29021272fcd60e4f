// Package config defines the configuration schema and the hot-reloading
// file provider. Configuration is consumed as immutable snapshots swapped
// atomically, so concurrent readers never observe a half-updated rule set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/witlox/lacuna/pkg/domain"
)

// Config is the YAML schema for the governance engine.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Classification ClassificationConfig `yaml:"classification"`
	Lineage        LineageConfig        `yaml:"lineage"`
	Audit          AuditConfig          `yaml:"audit"`
	Policy         PolicyConfig         `yaml:"policy"`
	Storage        StorageConfig        `yaml:"storage"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ClassificationConfig configures the cascade and its rule set.
type ClassificationConfig struct {
	// PatternThreshold short-circuits the cascade after the pattern stage.
	PatternThreshold float64 `yaml:"pattern_threshold"`
	// SimilarityThreshold short-circuits after the similarity stage.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	PatternTimeout    time.Duration `yaml:"pattern_timeout"`
	SimilarityTimeout time.Duration `yaml:"similarity_timeout"`
	ReasoningTimeout  time.Duration `yaml:"reasoning_timeout"`

	CacheSize int `yaml:"cache_size"`

	Rules RuleSet `yaml:"rules"`

	// Examples provides per-tier example operation descriptions for the
	// similarity stage.
	Examples map[domain.Tier][]string `yaml:"examples"`
}

// RuleSet is the pattern stage's rule configuration.
type RuleSet struct {
	// PathPrefixes maps resource-identifier prefixes to tiers.
	PathPrefixes map[domain.Tier][]string `yaml:"path_prefixes"`
	// ColumnTerms maps sensitive column/field names to tiers.
	ColumnTerms map[domain.Tier][]string `yaml:"column_terms"`
	// LiteralTerms maps literal substrings to tiers.
	LiteralTerms map[domain.Tier][]string `yaml:"literal_terms"`

	// ProprietaryProjects and ProprietaryCustomers force PROPRIETARY when
	// an operation references them.
	ProprietaryProjects  []string `yaml:"proprietary_projects"`
	ProprietaryCustomers []string `yaml:"proprietary_customers"`
}

// LineageConfig configures the lineage graph.
type LineageConfig struct {
	// MaxDepth bounds Upstream/Downstream traversal when the caller does
	// not pass an explicit depth.
	MaxDepth int `yaml:"max_depth"`
}

// AuditConfig configures the audit chain's write path.
type AuditConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxQueueAge bounds how long an unpersisted record may wait before
	// the drop-oldest backpressure policy applies.
	MaxQueueAge   time.Duration `yaml:"max_queue_age"`
	RetentionDays int           `yaml:"retention_days"`
}

// PolicyConfig configures the embedded policy evaluator.
type PolicyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Entrypoint string `yaml:"entrypoint"`
	// ModulePaths lists Rego module files loaded into the engine.
	ModulePaths []string      `yaml:"module_paths"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the SQLite database path when Driver is "sqlite".
	Path string `yaml:"path"`
}

// Default returns the configuration used when a field is absent from the
// file. The thresholds mirror the cascade contract: pattern 0.90,
// similarity 0.80.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Classification: ClassificationConfig{
			PatternThreshold:    0.90,
			SimilarityThreshold: 0.80,
			PatternTimeout:      5 * time.Millisecond,
			SimilarityTimeout:   50 * time.Millisecond,
			ReasoningTimeout:    2 * time.Second,
			CacheSize:           1024,
		},
		Lineage: LineageConfig{MaxDepth: 10},
		Audit: AuditConfig{
			QueueSize:     4096,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			MaxQueueAge:   30 * time.Second,
			RetentionDays: domain.DefaultRetentionDays,
		},
		Policy: PolicyConfig{
			Entrypoint: "lacuna/decision",
			Timeout:    time.Second,
		},
		Storage: StorageConfig{Driver: "memory"},
	}
}

// Load reads and validates a configuration file, applying defaults for
// absent fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot operate with.
func (c Config) Validate() error {
	if c.Classification.PatternThreshold <= 0 || c.Classification.PatternThreshold > 1 {
		return fmt.Errorf("classification.pattern_threshold must be in (0, 1]")
	}
	if c.Classification.SimilarityThreshold <= 0 || c.Classification.SimilarityThreshold > 1 {
		return fmt.Errorf("classification.similarity_threshold must be in (0, 1]")
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size must be positive")
	}
	if c.Audit.BatchSize <= 0 || c.Audit.BatchSize > c.Audit.QueueSize {
		return fmt.Errorf("audit.batch_size must be positive and at most queue_size")
	}
	if c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("audit.flush_interval must be positive")
	}
	if c.Audit.MaxQueueAge <= 0 {
		return fmt.Errorf("audit.max_queue_age must be positive")
	}
	if c.Lineage.MaxDepth <= 0 {
		return fmt.Errorf("lineage.max_depth must be positive")
	}
	if c.Policy.Enabled && len(c.Policy.ModulePaths) == 0 {
		return fmt.Errorf("policy.enabled requires policy.module_paths")
	}
	switch c.Storage.Driver {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path required for sqlite driver")
	}
	return nil
}
