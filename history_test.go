package sentinel

import (
	"testing"
	"time"
)

func TestHistoryRetention(t *testing.T) {
	h := NewHistoryStore(30 * time.Second)
	start := time.Now().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		h.Append(makeSample(start.Add(time.Duration(i)*10*time.Second), 10*time.Second, 10*(i+1)))
	}

	samples := h.History()
	if len(samples) != 3 {
		t.Fatalf("expected 3 retained samples, got %d", len(samples))
	}
	if samples[0].RequestCount != 30 {
		t.Fatalf("oldest retained sample should be the third appended, got %+v", samples[0])
	}
	if samples[2].RequestCount != 50 {
		t.Fatalf("history must be oldest first, got %+v", samples)
	}
}

func TestHistoryLatest(t *testing.T) {
	h := NewHistoryStore(time.Hour)
	if _, ok := h.Latest(); ok {
		t.Fatalf("empty store must report no latest sample")
	}
	start := time.Now()
	h.Append(makeSample(start, 10*time.Second, 1))
	h.Append(makeSample(start.Add(10*time.Second), 10*time.Second, 2))
	latest, ok := h.Latest()
	if !ok || latest.RequestCount != 2 {
		t.Fatalf("expected latest sample, got %+v ok=%v", latest, ok)
	}
}

func TestHistoryGeoSnapshotRollsWithEviction(t *testing.T) {
	h := NewHistoryStore(20 * time.Second)
	start := time.Now()

	first := makeSample(start, 10*time.Second, 10)
	first.PerGeoCounts = map[string]int{"eu": 7, "us": 3}
	h.Append(first)

	second := makeSample(start.Add(10*time.Second), 10*time.Second, 10)
	second.PerGeoCounts = map[string]int{"us": 10}
	h.Append(second)

	snapshot := h.GeoSnapshot()
	if len(snapshot) != 2 || snapshot[0].Location != "us" || snapshot[0].Count != 13 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	// Two more windows push the first sample out; its counts must leave too.
	third := makeSample(start.Add(20*time.Second), 10*time.Second, 0)
	h.Append(third)
	fourth := makeSample(start.Add(30*time.Second), 10*time.Second, 0)
	h.Append(fourth)

	snapshot = h.GeoSnapshot()
	for _, g := range snapshot {
		if g.Location == "eu" {
			t.Fatalf("evicted sample's counts must be removed: %+v", snapshot)
		}
	}
}

func TestHistorySetRetention(t *testing.T) {
	h := NewHistoryStore(time.Hour)
	start := time.Now()
	for i := 0; i < 5; i++ {
		h.Append(makeSample(start.Add(time.Duration(i)*10*time.Second), 10*time.Second, 1))
	}
	h.SetRetention(10 * time.Second)
	h.Append(makeSample(start.Add(50*time.Second), 10*time.Second, 1))
	if got := len(h.History()); got != 1 {
		t.Fatalf("shrunk retention must evict on next append, got %d samples", got)
	}
}
