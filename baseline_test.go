package sentinel

import (
	"math"
	"testing"
	"time"
)

func makeSample(start time.Time, width time.Duration, count int) Sample {
	return Sample{WindowStart: start, WindowEnd: start.Add(width), RequestCount: count}
}

func TestBaselineFirstSampleInitializes(t *testing.T) {
	est := NewBaselineEstimator()
	start := time.Now()

	baseline, err := est.Update(makeSample(start, 10*time.Second, 100), 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if baseline.Value != 10 {
		t.Fatalf("expected baseline 10, got %v", baseline.Value)
	}
}

func TestBaselineExponentialSmoothing(t *testing.T) {
	est := NewBaselineEstimator()
	start := time.Now()
	est.Seed(10, start)

	baseline, err := est.Update(makeSample(start, 10*time.Second, 200), 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.1*20 + 0.9*10
	if math.Abs(baseline.Value-11) > 1e-9 {
		t.Fatalf("expected baseline 11, got %v", baseline.Value)
	}
}

func TestBaselineDecaysOnIdleBuckets(t *testing.T) {
	est := NewBaselineEstimator()
	start := time.Now()
	est.Seed(100, start)

	for i := 0; i < 5; i++ {
		if _, err := est.Update(makeSample(start, 10*time.Second, 0), 0.5); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := est.Current().Value; got > 100*math.Pow(0.5, 5)+1e-9 {
		t.Fatalf("baseline did not decay: %v", got)
	}
}

func TestBaselineZeroWidthBucket(t *testing.T) {
	est := NewBaselineEstimator()
	start := time.Now()
	est.Seed(42, start)

	baseline, err := est.Update(makeSample(start, 0, 100), 0.1)
	if err == nil {
		t.Fatalf("expected error for zero-width bucket")
	}
	if !IsConfigurationError(err) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if baseline.Value != 42 {
		t.Fatalf("prior baseline must be retained, got %v", baseline.Value)
	}
	if est.Current().Value != 42 {
		t.Fatalf("estimator state must be unchanged, got %v", est.Current().Value)
	}
}
