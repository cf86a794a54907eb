package sentinel

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAggregatorClose(t *testing.T) {
	start := time.Now()
	agg := NewAggregator(start, nil, nil)

	for i := 0; i < 10; i++ {
		agg.Record(Observation{SourceIP: "10.0.0.1", Domain: "example.com"})
	}
	for i := 0; i < 5; i++ {
		agg.Record(Observation{SourceIP: "10.0.0.2", Domain: "example.com"})
	}

	sample := agg.Close(start.Add(10 * time.Second))
	if sample.RequestCount != 15 {
		t.Fatalf("expected 15 requests, got %d", sample.RequestCount)
	}
	if sample.DistinctIPs != 2 {
		t.Fatalf("expected 2 distinct IPs, got %d", sample.DistinctIPs)
	}
	if sample.PerIPCounts["10.0.0.1"] != 10 {
		t.Fatalf("expected 10 for 10.0.0.1, got %d", sample.PerIPCounts["10.0.0.1"])
	}
	if got := sample.RPS(); got != 1.5 {
		t.Fatalf("expected 1.5 rps, got %v", got)
	}
}

func TestAggregatorEmptyBucket(t *testing.T) {
	start := time.Now()
	agg := NewAggregator(start, nil, nil)

	sample := agg.Close(start.Add(10 * time.Second))
	if sample.RequestCount != 0 || sample.DistinctIPs != 0 {
		t.Fatalf("expected empty sample, got %+v", sample)
	}
	if sample.WindowStart != start {
		t.Fatalf("window start should be the bucket start")
	}
}

func TestAggregatorIgnoresEmptySourceIP(t *testing.T) {
	agg := NewAggregator(time.Now(), nil, nil)
	agg.Record(Observation{SourceIP: ""})
	sample := agg.Close(time.Now().Add(time.Second))
	if sample.RequestCount != 0 {
		t.Fatalf("expected empty observation to be dropped, got %d", sample.RequestCount)
	}
}

func TestAggregatorTrustedDomainExcludedFromAttribution(t *testing.T) {
	trusted := func(domain string) bool { return domain == "cdn.example" }
	agg := NewAggregator(time.Now(), trusted, nil)

	for i := 0; i < 100; i++ {
		agg.Record(Observation{SourceIP: "9.9.9.9", Domain: "cdn.example"})
	}
	agg.Record(Observation{SourceIP: "10.0.0.1", Domain: "example.com"})

	sample := agg.Close(time.Now().Add(10 * time.Second))
	if sample.RequestCount != 101 {
		t.Fatalf("trusted traffic must count toward totals, got %d", sample.RequestCount)
	}
	if sample.DistinctIPs != 2 {
		t.Fatalf("trusted traffic must count toward distinct IPs, got %d", sample.DistinctIPs)
	}
	if _, ok := sample.PerIPCounts["9.9.9.9"]; ok {
		t.Fatalf("trusted-domain IP must not be attributed")
	}
	for _, ip := range agg.TopOffenders(5) {
		if ip == "9.9.9.9" {
			t.Fatalf("trusted-domain IP must not surface as an offender")
		}
	}
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	agg := NewAggregator(time.Now(), nil, nil)

	const producers = 8
	const perProducer = 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.%d.1", p)
			for i := 0; i < perProducer; i++ {
				agg.Record(Observation{SourceIP: ip, Domain: "example.com"})
			}
		}(p)
	}
	wg.Wait()

	sample := agg.Close(time.Now().Add(10 * time.Second))
	if sample.RequestCount != producers*perProducer {
		t.Fatalf("lost observations: expected %d, got %d", producers*perProducer, sample.RequestCount)
	}
	if sample.DistinctIPs != producers {
		t.Fatalf("expected %d distinct IPs, got %d", producers, sample.DistinctIPs)
	}
}

func TestAggregatorNoLossAtBucketSwap(t *testing.T) {
	start := time.Now()
	agg := NewAggregator(start, nil, nil)

	const producers = 4
	const perProducer = 2000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.1.%d.1", p)
			for i := 0; i < perProducer; i++ {
				agg.Record(Observation{SourceIP: ip, Domain: "example.com"})
			}
		}(p)
	}

	// Swap buckets repeatedly while producers are mid-flight; every
	// observation must land in exactly one of the closed samples.
	total := 0
	for i := 1; i <= 10; i++ {
		total += agg.Close(start.Add(time.Duration(i) * time.Second)).RequestCount
	}
	wg.Wait()
	total += agg.Close(start.Add(11 * time.Second)).RequestCount

	if total != producers*perProducer {
		t.Fatalf("observations lost across swaps: expected %d, got %d", producers*perProducer, total)
	}
}

func TestAggregatorGeoResolution(t *testing.T) {
	resolve := func(ip string) string {
		if ip == "10.0.0.1" {
			return "internal"
		}
		return "unknown"
	}
	agg := NewAggregator(time.Now(), nil, resolve)
	agg.Record(Observation{SourceIP: "10.0.0.1"})
	agg.Record(Observation{SourceIP: "10.0.0.1"})
	agg.Record(Observation{SourceIP: "203.0.113.7"})

	sample := agg.Close(time.Now().Add(time.Second))
	if sample.PerGeoCounts["internal"] != 2 {
		t.Fatalf("expected 2 internal, got %d", sample.PerGeoCounts["internal"])
	}
	if sample.PerGeoCounts["unknown"] != 1 {
		t.Fatalf("expected 1 unknown, got %d", sample.PerGeoCounts["unknown"])
	}
}

func TestTopAttributedOrdering(t *testing.T) {
	sample := Sample{
		PerIPCounts: map[string]int{
			"10.0.0.1": 5,
			"10.0.0.2": 50,
			"10.0.0.3": 5,
			"10.0.0.4": 20,
		},
	}
	top := TopAttributed(sample, 3)
	if len(top) != 3 {
		t.Fatalf("expected 3 IPs, got %d", len(top))
	}
	if top[0] != "10.0.0.2" || top[1] != "10.0.0.4" || top[2] != "10.0.0.1" {
		t.Fatalf("unexpected ordering: %v", top)
	}

	if got := TopAttributed(sample, 10); len(got) != 4 {
		t.Fatalf("expected all 4 IPs when n exceeds cardinality, got %d", len(got))
	}
}
