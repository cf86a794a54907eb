package sentinel

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keilerkonzept/topk/sliding"
)

const aggregatorShards = 32

// bucketShard holds the counters for one stripe of the open bucket. Each
// shard has its own lock so concurrent producers only contend within a
// stripe, never across the whole bucket.
type bucketShard struct {
	mu    sync.Mutex
	total int
	// attributed excludes trusted-domain traffic; it feeds the
	// concentration signal and auto-block candidate selection.
	attributed map[string]int
	// seen counts every source IP regardless of trust, for distinct-IP and
	// geo aggregation.
	seen map[string]int
}

type bucket struct {
	start  time.Time
	shards [aggregatorShards]bucketShard
}

func newBucket(start time.Time) *bucket {
	b := &bucket{start: start}
	for i := range b.shards {
		b.shards[i].attributed = make(map[string]int)
		b.shards[i].seen = make(map[string]int)
	}
	return b
}

// Aggregator ingests observations into the currently open bucket and swaps
// in a fresh one on each tick. Record is total: it never fails and never
// blocks beyond one striped counter increment.
type Aggregator struct {
	current atomic.Pointer[bucket]
	trusted func(domain string) bool
	resolve func(ip string) string

	sketchMu sync.Mutex
	sketch   *sliding.Sketch
}

// NewAggregator builds an aggregator. trusted reports whether a domain is
// exempt from scoring attribution; resolve maps an IP to a coarse location
// and must be non-blocking (the caching resolver satisfies this).
func NewAggregator(start time.Time, trusted func(domain string) bool, resolve func(ip string) string) *Aggregator {
	a := &Aggregator{
		trusted: trusted,
		resolve: resolve,
		// 6 segments over the sketch window: heavy hitters stay visible
		// across bucket boundaries instead of resetting every tick.
		sketch: sliding.New(64, 6, sliding.WithWidth(1024), sliding.WithDepth(3)),
	}
	a.current.Store(newBucket(start))
	return a
}

// Record ingests one observation. Safe for unbounded concurrent callers.
func (a *Aggregator) Record(obs Observation) {
	if obs.SourceIP == "" {
		return
	}
	attributed := a.trusted == nil || !a.trusted(obs.Domain)
	idx := shardIndex(obs.SourceIP)

	// A bucket loaded just before a swap may already have been drained by
	// Close once we hold the shard lock; re-check and move to the fresh
	// bucket so the observation is never lost at the boundary.
	for {
		b := a.current.Load()
		shard := &b.shards[idx]
		shard.mu.Lock()
		if a.current.Load() != b {
			shard.mu.Unlock()
			continue
		}
		shard.total++
		shard.seen[obs.SourceIP]++
		if attributed {
			shard.attributed[obs.SourceIP]++
		}
		shard.mu.Unlock()
		break
	}

	if attributed {
		a.sketchMu.Lock()
		a.sketch.Incr(obs.SourceIP)
		a.sketchMu.Unlock()
	}
}

// Close swaps in a fresh bucket and folds the closed one into an immutable
// Sample. An idle bucket still yields a Sample with RequestCount 0 so the
// baseline decays instead of stalling. Only the tick task calls Close.
func (a *Aggregator) Close(now time.Time) Sample {
	closed := a.current.Swap(newBucket(now))

	sample := Sample{
		WindowStart:  closed.start,
		WindowEnd:    now,
		PerIPCounts:  make(map[string]int),
		PerGeoCounts: make(map[string]int),
	}
	seen := make(map[string]int)
	for i := range closed.shards {
		shard := &closed.shards[i]
		shard.mu.Lock()
		sample.RequestCount += shard.total
		for ip, n := range shard.attributed {
			sample.PerIPCounts[ip] += n
		}
		for ip, n := range shard.seen {
			seen[ip] += n
		}
		shard.mu.Unlock()
	}
	sample.DistinctIPs = len(seen)
	if a.resolve != nil {
		for ip, n := range seen {
			if loc := a.resolve(ip); loc != "" {
				sample.PerGeoCounts[loc] += n
			}
		}
	}

	a.sketchMu.Lock()
	a.sketch.Tick()
	a.sketchMu.Unlock()

	return sample
}

// TopOffenders returns up to n source IPs ordered by their sliding-window
// request counts. The window spans several buckets, so offenders that spread
// load across tick boundaries still surface.
func (a *Aggregator) TopOffenders(n int) []string {
	a.sketchMu.Lock()
	items := a.sketch.SortedSlice()
	a.sketchMu.Unlock()

	ips := make([]string, 0, n)
	for _, item := range items {
		if len(ips) == n {
			break
		}
		ips = append(ips, item.Item)
	}
	return ips
}

// TopAttributed returns the sample's top-n attributed IPs by request count,
// ties broken lexicographically for determinism.
func TopAttributed(sample Sample, n int) []string {
	type ipCount struct {
		ip    string
		count int
	}
	counts := make([]ipCount, 0, len(sample.PerIPCounts))
	for ip, c := range sample.PerIPCounts {
		counts = append(counts, ipCount{ip, c})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].ip < counts[j].ip
	})
	if n > len(counts) {
		n = len(counts)
	}
	ips := make([]string, n)
	for i := 0; i < n; i++ {
		ips[i] = counts[i].ip
	}
	return ips
}

func shardIndex(ip string) int {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return int(h.Sum32() % aggregatorShards)
}
