package sentinel

import (
	"math"
	"time"
)

// baselineEpsilon floors the baseline in the volume ratio so a zero baseline
// does not divide away the signal.
const baselineEpsilon = 0.001

// Score combines the volume and concentration signals into a 0-100 threat
// level. Worst signal wins: the two components are combined by max, not
// averaged, so one strong signal cannot be diluted by the other.
// Deterministic and side-effect free.
func Score(sample Sample, baseline Baseline, topN int, now time.Time) ThreatState {
	rps := sample.RPS()

	volume := volumeSignal(rps, baseline.Value)
	concentration := concentrationSignal(sample, topN)

	return ThreatState{
		Level:         math.Max(volume, concentration),
		VolumeScore:   volume,
		ConcentrScore: concentration,
		CurrentRPS:    rps,
		BaselineRPS:   baseline.Value,
		ComputedAt:    now,
	}
}

// volumeSignal maps the current-to-baseline rate ratio onto 0-100. Traffic
// at or below baseline scores 0; double the baseline scores 100.
func volumeSignal(rps, baseline float64) float64 {
	ratio := rps / math.Max(baseline, baselineEpsilon)
	return clamp(100 * (ratio - 1))
}

// concentrationSignal scores how disproportionate the share of attributed
// bucket traffic owned by the top-n source IPs is, against the uniform share
// those n IPs would own if load were spread evenly. A handful of IPs carrying
// most of the load is the signature of automated abuse even before aggregate
// volume leaves baseline. Trusted-domain traffic never appears in
// PerIPCounts, so it cannot drive this signal. Fewer than n distinct IPs
// cannot be disproportionate and score 0; the volume signal covers that case.
func concentrationSignal(sample Sample, topN int) float64 {
	distinct := len(sample.PerIPCounts)
	if sample.RequestCount == 0 || distinct <= topN {
		return 0
	}
	attributed := 0
	for _, n := range sample.PerIPCounts {
		attributed += n
	}
	if attributed == 0 {
		return 0
	}
	top := 0
	for _, ip := range TopAttributed(sample, topN) {
		top += sample.PerIPCounts[ip]
	}
	share := float64(top) / float64(attributed)
	expected := float64(topN) / float64(distinct)
	return clamp(100 * (share - expected) / (1 - expected))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
