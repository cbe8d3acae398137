package core

import "fmt"

// SyncStats aggregates backend call volume and cache effectiveness for
// diagnostics.
type SyncStats struct {
	BackendCalls int
	CacheHits    int
	BytesSent    int64
	BatchWrites  int
	WriteErrors  int
}

// HitRate returns the cache hit percentage over all lookups.
func (s SyncStats) HitRate() float64 {
	total := s.BackendCalls + s.CacheHits
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total) * 100
}

// String formats the stats the way the in-game overlay displays them.
func (s SyncStats) String() string {
	return fmt.Sprintf("Backend Calls: %d | Cache Hits: %d (%.1f%%) | Data Sent: %dKB",
		s.BackendCalls, s.CacheHits, s.HitRate(), s.BytesSent/1024)
}
