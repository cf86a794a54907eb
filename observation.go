package sentinel

import "time"

// Observation is a single request seen by the upstream handling layer. It is
// consumed immediately by the aggregator and never stored individually.
type Observation struct {
	Timestamp time.Time
	SourceIP  string
	Domain    string
	Path      string
}

// Sample is one closed time bucket. Immutable once the aggregator closes it.
type Sample struct {
	WindowStart  time.Time      `json:"windowStart" db:"window_start"`
	WindowEnd    time.Time      `json:"windowEnd" db:"window_end"`
	RequestCount int            `json:"requestCount" db:"request_count"`
	DistinctIPs  int            `json:"distinctIPs" db:"distinct_ips"`
	PerIPCounts  map[string]int `json:"perIPCounts,omitempty" db:"-"`
	PerGeoCounts map[string]int `json:"perGeoCounts,omitempty" db:"-"`
}

// RPS returns the sample's request rate over its window.
func (s Sample) RPS() float64 {
	width := s.WindowEnd.Sub(s.WindowStart).Seconds()
	if width <= 0 {
		return 0
	}
	return float64(s.RequestCount) / width
}

// Baseline is the smoothed expected request rate. Owned by the estimator,
// mutated only on tick.
type Baseline struct {
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ThreatState is the derived 0-100 score snapshot recomputed every tick.
type ThreatState struct {
	Level         float64   `json:"level"`
	VolumeScore   float64   `json:"volumeScore"`
	ConcentrScore float64   `json:"concentrationScore"`
	CurrentRPS    float64   `json:"currentRps"`
	BaselineRPS   float64   `json:"baselineRps"`
	ComputedAt    time.Time `json:"computedAt"`
}

// Mode is the sentinel operating mode.
type Mode string

const (
	ModeNormal     Mode = "NORMAL"
	ModeAlert      Mode = "ALERT"
	ModeMitigating Mode = "MITIGATING"
)

// BlockReason distinguishes operator blocks from automatic mitigation blocks.
type BlockReason string

const (
	BlockAuto   BlockReason = "AUTO"
	BlockManual BlockReason = "MANUAL"
)

// BlockedIP is a registry entry. AUTO entries carry an expiry and are swept;
// MANUAL entries live until explicitly unblocked unless a TTL was supplied.
type BlockedIP struct {
	IP        string      `json:"ip"`
	Reason    BlockReason `json:"reason"`
	CreatedAt time.Time   `json:"createdAt"`
	ExpiresAt time.Time   `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry's TTL has lapsed. Entries without an
// expiry never expire.
func (b BlockedIP) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// TrustedDomain is an explicit opt-out of concentration scoring for traffic
// whose domain signal matches.
type TrustedDomain struct {
	Domain  string    `json:"domain"`
	AddedAt time.Time `json:"addedAt"`
}

// GeoCount is one entry of the rolling per-location aggregation used for map
// rendering.
type GeoCount struct {
	Location string `json:"location"`
	Count    int    `json:"count"`
}

// Status is the composed read-only projection returned to the administrative
// surface. It is assembled on demand from the owned state elements and never
// cached.
type Status struct {
	Mode           Mode        `json:"mode"`
	ManualOverride bool        `json:"manualOverride"`
	Threat         ThreatState `json:"threatState"`
	CurrentRPS     float64     `json:"currentRps"`
	BaselineRPS    float64     `json:"baseline"`
	BlockedIPs     int         `json:"blockedIPs"`
	GeoLocations   []GeoCount  `json:"geoLocations"`
	TrafficHistory []Sample    `json:"trafficHistory"`
}
