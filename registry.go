package sentinel

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yl2chen/cidranger"
)

// AccessRegistry is the authoritative set of blocked IPs, blocked networks
// and trusted domains. Manual entries always win over automatic decisions:
// an AUTO block never replaces a MANUAL one, and the expiry sweep only ever
// evicts AUTO entries.
type AccessRegistry struct {
	mu       sync.RWMutex
	blocked  map[string]BlockedIP
	networks cidranger.Ranger
	netCIDRs map[string]net.IPNet
	trusted  map[string]TrustedDomain
}

func NewAccessRegistry() *AccessRegistry {
	return &AccessRegistry{
		blocked:  make(map[string]BlockedIP),
		networks: cidranger.NewPCTrieRanger(),
		netCIDRs: make(map[string]net.IPNet),
		trusted:  make(map[string]TrustedDomain),
	}
}

// Block registers an IP. ttl == 0 means no expiry. AUTO blocks are refused
// (silently, as a no-op) when a MANUAL entry already covers the IP, so an
// operator decision is never clobbered by the tick.
func (r *AccessRegistry) Block(ip string, reason BlockReason, ttl time.Duration) error {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return newValidationError("ip", "invalid IP address %q", ip)
	}
	key := parsed.String()

	entry := BlockedIP{IP: key, Reason: reason, CreatedAt: time.Now()}
	if ttl > 0 {
		entry.ExpiresAt = entry.CreatedAt.Add(ttl)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.blocked[key]; ok && existing.Reason == BlockManual && reason == BlockAuto {
		return nil
	}
	r.blocked[key] = entry
	return nil
}

// Unblock removes an IP. Unblocking an absent IP is a no-op.
func (r *AccessRegistry) Unblock(ip string) error {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return newValidationError("ip", "invalid IP address %q", ip)
	}
	r.mu.Lock()
	delete(r.blocked, parsed.String())
	r.mu.Unlock()
	return nil
}

// IsBlocked reports whether an IP is currently blocked, honoring expiry
// lazily so a stale AUTO entry never blocks between sweeps.
func (r *AccessRegistry) IsBlocked(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.blocked[parsed.String()]; ok && !entry.Expired(now) {
		return true
	}
	contained, err := r.networks.Contains(parsed)
	return err == nil && contained
}

// BlockNetwork registers a CIDR range, for operators cutting off a whole
// hosting provider rather than chasing single addresses.
func (r *AccessRegistry) BlockNetwork(cidr string) error {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return newValidationError("cidr", "invalid CIDR %q", cidr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.networks.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
		return newValidationError("cidr", "cannot index %q: %v", cidr, err)
	}
	r.netCIDRs[network.String()] = *network
	return nil
}

// UnblockNetwork removes a CIDR range previously added with BlockNetwork.
func (r *AccessRegistry) UnblockNetwork(cidr string) error {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return newValidationError("cidr", "invalid CIDR %q", cidr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.netCIDRs[network.String()]; !ok {
		return nil
	}
	if _, err := r.networks.Remove(*network); err != nil {
		return err
	}
	delete(r.netCIDRs, network.String())
	return nil
}

// AddTrustedDomain exempts a domain's traffic from scoring attribution.
func (r *AccessRegistry) AddTrustedDomain(domain string) error {
	normalized, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.trusted[normalized] = TrustedDomain{Domain: normalized, AddedAt: time.Now()}
	r.mu.Unlock()
	return nil
}

// RemoveTrustedDomain removes a trusted domain. Removing an absent domain is
// a no-op.
func (r *AccessRegistry) RemoveTrustedDomain(domain string) error {
	normalized, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.trusted, normalized)
	r.mu.Unlock()
	return nil
}

// IsTrustedDomain is the hot-path predicate used by the aggregator; it holds
// the read lock for a single map lookup.
func (r *AccessRegistry) IsTrustedDomain(domain string) bool {
	if domain == "" {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(domain))
	r.mu.RLock()
	_, ok := r.trusted[normalized]
	r.mu.RUnlock()
	return ok
}

// Sweep evicts expired AUTO entries. MANUAL entries are immune even when
// they carry a TTL; they only stop matching lazily via IsBlocked. Called
// once per tick by the sentinel. Returns the number of evicted entries.
func (r *AccessRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for ip, entry := range r.blocked {
		if entry.Reason == BlockAuto && entry.Expired(now) {
			delete(r.blocked, ip)
			evicted++
		}
	}
	return evicted
}

// BlockedCount returns the number of non-expired blocked IP entries.
func (r *AccessRegistry) BlockedCount() int {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, entry := range r.blocked {
		if !entry.Expired(now) {
			count++
		}
	}
	return count
}

// BlockedIPs returns the non-expired entries sorted by IP.
func (r *AccessRegistry) BlockedIPs() []BlockedIP {
	now := time.Now()
	r.mu.RLock()
	entries := make([]BlockedIP, 0, len(r.blocked))
	for _, entry := range r.blocked {
		if !entry.Expired(now) {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })
	return entries
}

// TrustedDomains returns the trusted set sorted by domain.
func (r *AccessRegistry) TrustedDomains() []TrustedDomain {
	r.mu.RLock()
	domains := make([]TrustedDomain, 0, len(r.trusted))
	for _, d := range r.trusted {
		domains = append(domains, d)
	}
	r.mu.RUnlock()
	sort.Slice(domains, func(i, j int) bool { return domains[i].Domain < domains[j].Domain })
	return domains
}

func normalizeDomain(domain string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(domain))
	if normalized == "" {
		return "", newValidationError("domain", "domain is required")
	}
	if strings.ContainsAny(normalized, " /\\@:") {
		return "", newValidationError("domain", "invalid domain %q", domain)
	}
	return normalized, nil
}
