package config

import "time"

// Snapshot is the immutable representation of one loaded configuration.
// Providers hand out snapshots by pointer and never modify them after
// publication; a reload produces a fresh snapshot with a new generation.
type Snapshot struct {
	Generation int64     `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at"`
	Config     Config    `json:"config"`
}

// NewSnapshot wraps a configuration in a snapshot.
func NewSnapshot(generation int64, cfg Config) *Snapshot {
	return &Snapshot{
		Generation: generation,
		LoadedAt:   time.Now().UTC(),
		Config:     cfg,
	}
}
