package sentinel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/log"
)

// Sentinel is the adaptive traffic-anomaly controller. One tick goroutine
// owns every piece of derived state (baseline, threat, mode, auto-block
// sweep); an unbounded number of producers call Record; administrative calls
// read snapshots or take narrow locks around their own mutation.
type Sentinel struct {
	logger *log.Logger

	cfgMu sync.RWMutex
	cfg   Config

	aggregator *Aggregator
	estimator  *BaselineEstimator
	machine    *StateMachine
	registry   *AccessRegistry
	history    *HistoryStore
	sink       HistorySink
	ledger     *EventLedger
	metrics    *Metrics
	notifier   *Notifier
	resolver   *CachingGeoResolver
	limiter    *TokenBucketLimiter

	// stateMu serializes tick transitions with manual override calls. It is
	// never held across blocking work.
	stateMu sync.Mutex

	// threat holds the latest derived snapshot for lock-free status reads.
	threat atomic.Pointer[ThreatState]

	resetTicker chan time.Duration
	tickCount   atomic.Int64
}

// Options carries the injectable collaborators. Zero values get sensible
// defaults; Geo defaults to the static resolver and Sink to none.
type Options struct {
	Logger *log.Logger
	Geo    GeoResolver
	Sink   HistorySink
}

// New builds a sentinel from a validated config.
func New(cfg Config, opts Options) (*Sentinel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	geo := opts.Geo
	if geo == nil {
		geo = &StaticGeoResolver{}
	}

	s := &Sentinel{
		logger:      logger,
		cfg:         cfg,
		estimator:   NewBaselineEstimator(),
		machine:     NewStateMachine(),
		registry:    NewAccessRegistry(),
		history:     NewHistoryStore(cfg.RetentionWindow),
		sink:        opts.Sink,
		metrics:     NewMetrics(),
		notifier:    NewNotifier(logger),
		resolver:    NewCachingGeoResolver(geo, time.Hour),
		limiter:     NewTokenBucketLimiter(120, time.Minute),
		resetTicker: make(chan time.Duration, 1),
	}
	s.ledger = NewEventLedger(cfg.RetentionWindow, 1000, logger)
	s.aggregator = NewAggregator(time.Now(), s.registry.IsTrustedDomain, func(ip string) string {
		loc, _ := s.resolver.Resolve(ip)
		return loc
	})
	s.notifier.Register(&LogSender{Logger: logger})
	s.threat.Store(&ThreatState{})
	return s, nil
}

// Metrics returns the Prometheus-facing metrics of this sentinel.
func (s *Sentinel) Metrics() *Metrics { return s.metrics }

// Notifier returns the notification fan-out for registering extra senders.
func (s *Sentinel) Notifier() *Notifier { return s.notifier }

// Registry returns the access registry consulted by the enforcement layer.
func (s *Sentinel) Registry() *AccessRegistry { return s.registry }

// Record ingests one observation. Fire and forget: it never fails, never
// blocks beyond one striped counter increment, and is safe under unbounded
// concurrency.
func (s *Sentinel) Record(obs Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	s.aggregator.Record(obs)
	s.metrics.IncObservation()
}

// Run drives the tick loop until the context is cancelled. Ticks never
// queue: if one overruns, the ticker simply fires next at the following
// boundary and stale derived state carries forward, which is the documented
// degraded mode.
func (s *Sentinel) Run(ctx context.Context) {
	s.cfgMu.RLock()
	width := s.cfg.BucketWidth
	s.cfgMu.RUnlock()
	if width <= 0 {
		// Degenerate config: stay alive so manual control still works.
		width = 10 * time.Second
	}

	ticker := time.NewTicker(width)
	defer ticker.Stop()

	s.logger.Info().Dur("bucket_width", width).Msg("sentinel started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sentinel stopped")
			return
		case newWidth := <-s.resetTicker:
			if newWidth > 0 {
				ticker.Reset(newWidth)
			}
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick closes the current bucket and recomputes all derived state. Exported
// so tests (and embedders driving their own scheduler) can step the sentinel
// deterministically.
func (s *Sentinel) Tick(now time.Time) {
	cfg := s.Config()
	sample := s.aggregator.Close(now)

	baseline, err := s.estimator.Update(sample, cfg.BaselineAlpha)
	if err != nil {
		// Misconfigured bucket: skip the recomputation, keep prior state.
		s.metrics.IncTickSkip()
		s.ledger.Record(EventTickSkipped, SeverityWarning, "", map[string]string{"reason": err.Error()})
		return
	}

	threat := Score(sample, baseline, cfg.TopN, now)
	s.threat.Store(&threat)

	s.stateMu.Lock()
	prevMode := s.machine.Mode()
	entered := s.machine.Tick(threat.Level, cfg.AlertThreshold, cfg.MitigationThreshold, cfg.CooldownTicks)
	mode := s.machine.Mode()
	s.stateMu.Unlock()

	if entered {
		s.autoBlock(sample, cfg, threat)
	}
	if mode != prevMode {
		s.ledger.Record(EventModeChange, severityForMode(mode), "", map[string]string{
			"from":  string(prevMode),
			"to":    string(mode),
			"level": fmt.Sprintf("%.1f", threat.Level),
		})
		s.notifier.Notify(context.Background(), &NotificationPayload{
			Event: EventModeChange,
			Mode:  mode,
			Level: threat.Level,
			Details: map[string]string{
				"from": string(prevMode),
			},
		})
	}

	s.history.SetRetention(cfg.RetentionWindow)
	s.history.Append(sample)
	s.registry.Sweep(now)

	if s.sink != nil {
		if err := s.sink.WriteSample(sample); err != nil {
			// In-memory path is unaffected; the sink retries next tick.
			s.metrics.IncStorageFailure()
			s.ledger.Record(EventStorageLagging, SeverityWarning, "", map[string]string{"error": err.Error()})
			s.logger.Warn().Err(err).Msg("durable history lagging")
		}
	}

	s.metrics.ObserveTick(sample, threat, mode, s.registry.BlockedCount())

	// Coarse housekeeping; no need to run it every bucket.
	if s.tickCount.Add(1)%60 == 0 {
		s.ledger.Cleanup(now)
		s.resolver.Cleanup(now)
		s.limiter.Cleanup(now)
	}
}

// autoBlock blocks the tick's top concentration candidates: the current
// bucket's heaviest attributed IPs plus the sliding-window offenders from
// the sketch, so an attacker spreading load across bucket boundaries is
// still caught. Trusted-domain traffic never enters attribution, so it can
// never be selected here.
func (s *Sentinel) autoBlock(sample Sample, cfg Config, threat ThreatState) {
	candidates := TopAttributed(sample, cfg.TopN)
	seen := make(map[string]struct{}, len(candidates))
	for _, ip := range candidates {
		seen[ip] = struct{}{}
	}
	for _, ip := range s.aggregator.TopOffenders(cfg.TopN) {
		if _, dup := seen[ip]; !dup {
			candidates = append(candidates, ip)
			seen[ip] = struct{}{}
		}
	}

	blocked := make([]string, 0, len(candidates))
	for _, ip := range candidates {
		if err := s.registry.Block(ip, BlockAuto, cfg.AutoBlockTTL); err != nil {
			continue
		}
		blocked = append(blocked, ip)
		s.metrics.IncBlock(BlockAuto)
		s.ledger.Record(EventAutoBlock, SeverityCritical, ip, map[string]string{
			"ttl":   cfg.AutoBlockTTL.String(),
			"level": fmt.Sprintf("%.1f", threat.Level),
		})
	}
	if len(blocked) > 0 {
		s.notifier.Notify(context.Background(), &NotificationPayload{
			Event:   EventAutoBlock,
			Mode:    ModeMitigating,
			Level:   threat.Level,
			Details: map[string]string{"count": fmt.Sprintf("%d", len(blocked))},
		})
	}
}

func severityForMode(mode Mode) EventSeverity {
	switch mode {
	case ModeMitigating:
		return SeverityCritical
	case ModeAlert:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Config returns the current configuration.
func (s *Sentinel) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig merges a partial update, validates the merged result and
// applies it atomically. A rejected update leaves the prior config
// untouched. Bucket width changes reschedule the ticker.
func (s *Sentinel) UpdateConfig(update ConfigUpdate) (Config, error) {
	s.cfgMu.Lock()
	merged := s.cfg.Merge(update)
	if err := merged.Validate(); err != nil {
		s.cfgMu.Unlock()
		s.ledger.Record(EventConfigRejected, SeverityWarning, "", map[string]string{"reason": err.Error()})
		return Config{}, err
	}
	prevWidth := s.cfg.BucketWidth
	s.cfg = merged
	s.cfgMu.Unlock()

	if merged.BucketWidth != prevWidth && merged.BucketWidth > 0 {
		select {
		case s.resetTicker <- merged.BucketWidth:
		default:
		}
	}
	s.ledger.Record(EventConfigApplied, SeverityInfo, "", nil)
	return merged, nil
}

// ApplyConfig replaces the whole config (hot reload path). Validation
// follows the same no-partial-apply rule as UpdateConfig.
func (s *Sentinel) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		s.ledger.Record(EventConfigRejected, SeverityWarning, "", map[string]string{"reason": err.Error()})
		return err
	}
	s.cfgMu.Lock()
	prevWidth := s.cfg.BucketWidth
	s.cfg = cfg
	s.cfgMu.Unlock()
	if cfg.BucketWidth != prevWidth && cfg.BucketWidth > 0 {
		select {
		case s.resetTicker <- cfg.BucketWidth:
		default:
		}
	}
	s.ledger.Record(EventConfigApplied, SeverityInfo, "", nil)
	return nil
}

// Status composes the read-only projection from the owned state elements.
// It is computed on demand and never cached, so it cannot go stale relative
// to the owning tick.
func (s *Sentinel) Status() Status {
	s.stateMu.Lock()
	mode := s.machine.Mode()
	override := s.machine.ManualOverride()
	s.stateMu.Unlock()

	threat := *s.threat.Load()
	return Status{
		Mode:           mode,
		ManualOverride: override,
		Threat:         threat,
		CurrentRPS:     threat.CurrentRPS,
		BaselineRPS:    threat.BaselineRPS,
		BlockedIPs:     s.registry.BlockedCount(),
		GeoLocations:   s.history.GeoSnapshot(),
		TrafficHistory: s.history.History(),
	}
}

// BlockIP blocks an IP manually, with no expiry.
func (s *Sentinel) BlockIP(ip string) error {
	if err := s.registry.Block(ip, BlockManual, 0); err != nil {
		return err
	}
	s.metrics.IncBlock(BlockManual)
	s.ledger.Record(EventManualBlock, SeverityWarning, ip, nil)
	return nil
}

// UnblockIP removes an IP from the registry. Idempotent.
func (s *Sentinel) UnblockIP(ip string) error {
	return s.registry.Unblock(ip)
}

// ActivateMitigation forces MITIGATING immediately and suspends automatic
// transitions. Entering mitigation auto-blocks the latest bucket's top
// offenders, same as an automatic entry would.
func (s *Sentinel) ActivateMitigation() {
	s.stateMu.Lock()
	entered := s.machine.ManualActivate()
	s.stateMu.Unlock()

	s.ledger.Record(EventManualOverride, SeverityWarning, "", map[string]string{"action": "activate"})
	if !entered {
		return
	}
	threat := *s.threat.Load()
	if sample, ok := s.history.Latest(); ok {
		s.autoBlock(sample, s.Config(), threat)
	}
	s.notifier.Notify(context.Background(), &NotificationPayload{
		Event:   EventManualOverride,
		Mode:    ModeMitigating,
		Level:   threat.Level,
		Details: map[string]string{"action": "activate"},
	})
}

// DeactivateMitigation forces NORMAL immediately, keeping the override so
// automatic transitions stay suspended until ResumeAutomatic.
func (s *Sentinel) DeactivateMitigation() {
	s.stateMu.Lock()
	s.machine.ManualDeactivate()
	s.stateMu.Unlock()
	s.ledger.Record(EventManualOverride, SeverityWarning, "", map[string]string{"action": "deactivate"})
}

// ResumeAutomatic returns mode control to the tick.
func (s *Sentinel) ResumeAutomatic() {
	s.stateMu.Lock()
	s.machine.ResumeAutomatic()
	s.stateMu.Unlock()
	s.ledger.Record(EventManualOverride, SeverityInfo, "", map[string]string{"action": "resume"})
}

// AddTrustedDomain exempts a domain from scoring attribution.
func (s *Sentinel) AddTrustedDomain(domain string) error {
	return s.registry.AddTrustedDomain(domain)
}

// RemoveTrustedDomain removes a trusted domain. Idempotent.
func (s *Sentinel) RemoveTrustedDomain(domain string) error {
	return s.registry.RemoveTrustedDomain(domain)
}

// GeoLocations returns the rolling per-location counts.
func (s *Sentinel) GeoLocations() []GeoCount {
	return s.history.GeoSnapshot()
}

// TrafficHistory returns the retained samples oldest first.
func (s *Sentinel) TrafficHistory() []Sample {
	return s.history.History()
}

// Events returns recent ledger entries, newest first.
func (s *Sentinel) Events(limit int) []SecurityEvent {
	return s.ledger.Snapshot(limit)
}
