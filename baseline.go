package sentinel

import "time"

// BaselineEstimator maintains the smoothed expected request rate via
// exponential smoothing. Single-writer: only the tick task calls Update.
type BaselineEstimator struct {
	baseline    Baseline
	initialized bool
}

func NewBaselineEstimator() *BaselineEstimator {
	return &BaselineEstimator{}
}

// Update folds one closed sample into the baseline:
//
//	baseline' = alpha*rps + (1-alpha)*baseline
//
// The first sample initializes the baseline directly. A zero-width bucket is
// a misconfiguration: the tick is refused with a ConfigurationError and the
// prior baseline is kept.
func (e *BaselineEstimator) Update(sample Sample, alpha float64) (Baseline, error) {
	width := sample.WindowEnd.Sub(sample.WindowStart).Seconds()
	if width <= 0 {
		return e.baseline, &ConfigurationError{Reason: "bucket width is zero"}
	}
	rps := float64(sample.RequestCount) / width

	if !e.initialized {
		e.baseline = Baseline{Value: rps, UpdatedAt: sample.WindowEnd}
		e.initialized = true
		return e.baseline, nil
	}

	e.baseline = Baseline{
		Value:     alpha*rps + (1-alpha)*e.baseline.Value,
		UpdatedAt: sample.WindowEnd,
	}
	return e.baseline, nil
}

// Current returns the latest baseline without mutating it.
func (e *BaselineEstimator) Current() Baseline {
	return e.baseline
}

// Seed overrides the baseline, mainly for tests and warm restarts.
func (e *BaselineEstimator) Seed(value float64, at time.Time) {
	e.baseline = Baseline{Value: value, UpdatedAt: at}
	e.initialized = true
}
