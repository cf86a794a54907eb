package sentinel

import (
	"sort"
	"sync"
	"time"
)

// HistoryStore keeps the bounded time series of closed samples and the
// rolling per-location counts derived from them. Appends happen only on the
// tick; reads copy snapshots so dashboard callers never observe a structure
// the tick is mutating.
type HistoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	samples   []Sample
	geoCounts map[string]int
}

func NewHistoryStore(retention time.Duration) *HistoryStore {
	return &HistoryStore{
		retention: retention,
		geoCounts: make(map[string]int),
	}
}

// SetRetention adjusts the retention window; the next append re-evicts.
func (h *HistoryStore) SetRetention(retention time.Duration) {
	h.mu.Lock()
	h.retention = retention
	h.mu.Unlock()
}

// Append adds a closed sample and evicts entries that fell out of the
// retention window, keeping the geo aggregation in step. FIFO, O(1)
// amortized per sample.
func (h *HistoryStore) Append(sample Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, sample)
	for loc, n := range sample.PerGeoCounts {
		h.geoCounts[loc] += n
	}

	cutoff := sample.WindowEnd.Add(-h.retention)
	idx := 0
	for idx < len(h.samples) && !h.samples[idx].WindowEnd.After(cutoff) {
		for loc, n := range h.samples[idx].PerGeoCounts {
			h.geoCounts[loc] -= n
			if h.geoCounts[loc] <= 0 {
				delete(h.geoCounts, loc)
			}
		}
		idx++
	}
	if idx > 0 {
		h.samples = append(h.samples[:0:0], h.samples[idx:]...)
	}
}

// History returns the retained samples oldest first.
func (h *HistoryStore) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Latest returns the most recently appended sample, if any.
func (h *HistoryStore) Latest() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// GeoSnapshot returns the rolling per-location counts sorted by descending
// count, location as tiebreak.
func (h *HistoryStore) GeoSnapshot() []GeoCount {
	h.mu.RLock()
	out := make([]GeoCount, 0, len(h.geoCounts))
	for loc, n := range h.geoCounts {
		out = append(out, GeoCount{Location: loc, Count: n})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Location < out[j].Location
	})
	return out
}
