package sentinel

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the sentinel tuning knobs. It is hot-reloadable; a rejected
// update leaves the prior config untouched.
type Config struct {
	AlertThreshold      float64       `yaml:"alert_threshold" json:"alertThreshold"`
	MitigationThreshold float64       `yaml:"mitigation_threshold" json:"mitigationThreshold"`
	BucketWidth         time.Duration `yaml:"bucket_width" json:"bucketWidth"`
	BaselineAlpha       float64       `yaml:"baseline_alpha" json:"baselineAlpha"`
	RetentionWindow     time.Duration `yaml:"retention_window" json:"retentionWindow"`
	CooldownTicks       int           `yaml:"cooldown_ticks" json:"cooldownTicks"`
	TopN                int           `yaml:"top_n" json:"topN"`
	AutoBlockTTL        time.Duration `yaml:"auto_block_ttl" json:"autoBlockTTL"`
}

// ConfigUpdate is a partial config mutation. Nil fields keep their current
// value; the merged result is validated as a whole before it is applied.
type ConfigUpdate struct {
	AlertThreshold      *float64       `json:"alertThreshold,omitempty"`
	MitigationThreshold *float64       `json:"mitigationThreshold,omitempty"`
	BucketWidth         *time.Duration `json:"bucketWidth,omitempty"`
	BaselineAlpha       *float64       `json:"baselineAlpha,omitempty"`
	RetentionWindow     *time.Duration `json:"retentionWindow,omitempty"`
	CooldownTicks       *int           `json:"cooldownTicks,omitempty"`
	TopN                *int           `json:"topN,omitempty"`
	AutoBlockTTL        *time.Duration `json:"autoBlockTTL,omitempty"`
}

// DefaultConfig returns the tuning defaults: a 10s bucket, slow-adapting
// baseline and a 24h history window.
func DefaultConfig() Config {
	return Config{
		AlertThreshold:      50,
		MitigationThreshold: 80,
		BucketWidth:         10 * time.Second,
		BaselineAlpha:       0.1,
		RetentionWindow:     24 * time.Hour,
		CooldownTicks:       3,
		TopN:                5,
		AutoBlockTTL:        10 * time.Minute,
	}
}

// Validate checks threshold ranges and ordering. It returns a
// ValidationError so callers can surface the message verbatim.
func (c Config) Validate() error {
	if c.AlertThreshold < 1 || c.AlertThreshold > 100 {
		return newValidationError("alertThreshold", "must be between 1 and 100, got %v", c.AlertThreshold)
	}
	if c.MitigationThreshold < 1 || c.MitigationThreshold > 100 {
		return newValidationError("mitigationThreshold", "must be between 1 and 100, got %v", c.MitigationThreshold)
	}
	if c.AlertThreshold > c.MitigationThreshold {
		return newValidationError("alertThreshold", "must not exceed mitigationThreshold (%v > %v)", c.AlertThreshold, c.MitigationThreshold)
	}
	if c.BucketWidth < 0 {
		return newValidationError("bucketWidth", "must not be negative")
	}
	if c.BaselineAlpha <= 0 || c.BaselineAlpha > 1 {
		return newValidationError("baselineAlpha", "must be in (0, 1], got %v", c.BaselineAlpha)
	}
	if c.RetentionWindow <= 0 {
		return newValidationError("retentionWindow", "must be positive")
	}
	if c.CooldownTicks < 1 {
		return newValidationError("cooldownTicks", "must be at least 1")
	}
	if c.TopN < 1 {
		return newValidationError("topN", "must be at least 1")
	}
	if c.AutoBlockTTL <= 0 {
		return newValidationError("autoBlockTTL", "must be positive")
	}
	return nil
}

// Merge applies the non-nil fields of the update onto a copy of c. The copy
// is returned unvalidated so the caller can reject it atomically.
func (c Config) Merge(u ConfigUpdate) Config {
	merged := c
	if u.AlertThreshold != nil {
		merged.AlertThreshold = *u.AlertThreshold
	}
	if u.MitigationThreshold != nil {
		merged.MitigationThreshold = *u.MitigationThreshold
	}
	if u.BucketWidth != nil {
		merged.BucketWidth = *u.BucketWidth
	}
	if u.BaselineAlpha != nil {
		merged.BaselineAlpha = *u.BaselineAlpha
	}
	if u.RetentionWindow != nil {
		merged.RetentionWindow = *u.RetentionWindow
	}
	if u.CooldownTicks != nil {
		merged.CooldownTicks = *u.CooldownTicks
	}
	if u.TopN != nil {
		merged.TopN = *u.TopN
	}
	if u.AutoBlockTTL != nil {
		merged.AutoBlockTTL = *u.AutoBlockTTL
	}
	return merged
}

// fileConfig is the on-disk shape. Durations are strings ("10s", "24h") and
// parsed during load; unset fields fall back to defaults.
type fileConfig struct {
	AlertThreshold      *float64 `yaml:"alert_threshold"`
	MitigationThreshold *float64 `yaml:"mitigation_threshold"`
	BucketWidth         string   `yaml:"bucket_width"`
	BaselineAlpha       *float64 `yaml:"baseline_alpha"`
	RetentionWindow     string   `yaml:"retention_window"`
	CooldownTicks       *int     `yaml:"cooldown_ticks"`
	TopN                *int     `yaml:"top_n"`
	AutoBlockTTL        string   `yaml:"auto_block_ttl"`
}

// LoadConfig reads a YAML config file, fills unset fields with defaults and
// validates the result.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	cfg := DefaultConfig()
	if fc.AlertThreshold != nil {
		cfg.AlertThreshold = *fc.AlertThreshold
	}
	if fc.MitigationThreshold != nil {
		cfg.MitigationThreshold = *fc.MitigationThreshold
	}
	if fc.BaselineAlpha != nil {
		cfg.BaselineAlpha = *fc.BaselineAlpha
	}
	if fc.CooldownTicks != nil {
		cfg.CooldownTicks = *fc.CooldownTicks
	}
	if fc.TopN != nil {
		cfg.TopN = *fc.TopN
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bucket_width", fc.BucketWidth, &cfg.BucketWidth},
		{"retention_window", fc.RetentionWindow, &cfg.RetentionWindow},
		{"auto_block_ttl", fc.AutoBlockTTL, &cfg.AutoBlockTTL},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return Config{}, newValidationError(field.name, "invalid duration %q", field.raw)
		}
		*field.dst = d
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WatchConfig re-reads the file whenever it changes and hands valid configs
// to apply. Invalid files are logged and skipped, keeping the running config.
// The watcher stops when done is closed.
func WatchConfig(path string, logger *log.Logger, done <-chan struct{}, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config watcher")
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch %s", path)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("config reload rejected")
					continue
				}
				logger.Info().Str("path", path).Msg("config reloaded")
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("config watcher error")
			case <-done:
				return
			}
		}
	}()
	return nil
}
