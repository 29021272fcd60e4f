package engine

import "sync/atomic"

// Stats counts evaluation outcomes since process start.
type Stats struct {
	Evaluated atomic.Int64
	Allowed   atomic.Int64
	Denied    atomic.Int64
	Errors    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Evaluated int64 `json:"evaluated"`
	Allowed   int64 `json:"allowed"`
	Denied    int64 `json:"denied"`
	Errors    int64 `json:"errors"`
}

// Stats returns the current counters.
func (e *Engine) Stats() StatsSnapshot {
	return StatsSnapshot{
		Evaluated: e.stats.Evaluated.Load(),
		Allowed:   e.stats.Allowed.Load(),
		Denied:    e.stats.Denied.Load(),
		Errors:    e.stats.Errors.Load(),
	}
}
