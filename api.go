package sentinel

import (
	neturl "net/url"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Middleware returns the enforcement handler for the protected surface. It
// records every request into the aggregator and rejects traffic from blocked
// sources in every mode: a block takes effect the moment it lands in the
// registry, not only once mitigation engages.
func (s *Sentinel) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := c.IP()
		s.Record(Observation{
			Timestamp: time.Now(),
			SourceIP:  ip,
			Domain:    c.Hostname(),
			Path:      c.Path(),
		})

		if s.registry.IsBlocked(ip) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "access denied",
			})
		}
		return c.Next()
	}
}

// RegisterAdminRoutes mounts the administrative API under /sentinel. Every
// route is guarded by the per-client token bucket; validation failures come
// back as 400 with the validator's message verbatim.
func (s *Sentinel) RegisterAdminRoutes(app *fiber.App) {
	grp := app.Group("/sentinel", func(c *fiber.Ctx) error {
		if !s.limiter.Allow(c.IP()) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}
		return c.Next()
	})

	grp.Get("/status", s.handleStatus)
	grp.Get("/config", s.handleGetConfig)
	grp.Put("/config", s.handleUpdateConfig)
	grp.Post("/block", s.handleBlockIP)
	grp.Delete("/block/:ip", s.handleUnblockIP)
	grp.Get("/blocked", s.handleBlockedIPs)
	grp.Post("/block-network", s.handleBlockNetwork)
	grp.Delete("/block-network/:cidr", s.handleUnblockNetwork)
	grp.Post("/mitigation/activate", s.handleActivateMitigation)
	grp.Post("/mitigation/deactivate", s.handleDeactivateMitigation)
	grp.Post("/mitigation/resume", s.handleResumeAutomatic)
	grp.Get("/trusted-domains", s.handleTrustedDomains)
	grp.Post("/trusted-domains", s.handleAddTrustedDomain)
	grp.Delete("/trusted-domains/:domain", s.handleRemoveTrustedDomain)
	grp.Get("/geo", s.handleGeoLocations)
	grp.Get("/history", s.handleTrafficHistory)
	grp.Get("/events", s.handleEvents)
}

func (s *Sentinel) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Status())
}

func (s *Sentinel) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(s.Config())
}

// configUpdateRequest is the wire shape of a partial config update. Duration
// fields are strings ("10s", "24h") so clients never deal in nanoseconds.
type configUpdateRequest struct {
	AlertThreshold      *float64 `json:"alertThreshold"`
	MitigationThreshold *float64 `json:"mitigationThreshold"`
	BucketWidth         *string  `json:"bucketWidth"`
	BaselineAlpha       *float64 `json:"baselineAlpha"`
	RetentionWindow     *string  `json:"retentionWindow"`
	CooldownTicks       *int     `json:"cooldownTicks"`
	TopN                *int     `json:"topN"`
	AutoBlockTTL        *string  `json:"autoBlockTTL"`
}

func (r configUpdateRequest) toUpdate() (ConfigUpdate, error) {
	update := ConfigUpdate{
		AlertThreshold:      r.AlertThreshold,
		MitigationThreshold: r.MitigationThreshold,
		BaselineAlpha:       r.BaselineAlpha,
		CooldownTicks:       r.CooldownTicks,
		TopN:                r.TopN,
	}
	for _, field := range []struct {
		name string
		raw  *string
		dst  **time.Duration
	}{
		{"bucketWidth", r.BucketWidth, &update.BucketWidth},
		{"retentionWindow", r.RetentionWindow, &update.RetentionWindow},
		{"autoBlockTTL", r.AutoBlockTTL, &update.AutoBlockTTL},
	} {
		if field.raw == nil {
			continue
		}
		d, err := time.ParseDuration(*field.raw)
		if err != nil {
			return ConfigUpdate{}, newValidationError(field.name, "invalid duration %q", *field.raw)
		}
		*field.dst = &d
	}
	return update, nil
}

func (s *Sentinel) handleUpdateConfig(c *fiber.Ctx) error {
	var req configUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	update, err := req.toUpdate()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	merged, err := s.UpdateConfig(update)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(merged)
}

func (s *Sentinel) handleBlockIP(c *fiber.Ctx) error {
	var req struct {
		IP string `json:"ip"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := s.BlockIP(req.IP); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"blocked": req.IP})
}

func (s *Sentinel) handleUnblockIP(c *fiber.Ctx) error {
	ip := c.Params("ip")
	if err := s.UnblockIP(ip); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"unblocked": ip})
}

func (s *Sentinel) handleBlockedIPs(c *fiber.Ctx) error {
	return c.JSON(s.registry.BlockedIPs())
}

func (s *Sentinel) handleBlockNetwork(c *fiber.Ctx) error {
	var req struct {
		CIDR string `json:"cidr"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := s.registry.BlockNetwork(req.CIDR); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.ledger.Record(EventManualBlock, SeverityWarning, "", map[string]string{"cidr": req.CIDR})
	return c.JSON(fiber.Map{"blocked": req.CIDR})
}

func (s *Sentinel) handleUnblockNetwork(c *fiber.Ctx) error {
	// The CIDR arrives percent-encoded ("10.0.0.0%2F8").
	cidr, err := neturl.PathUnescape(c.Params("cidr"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid cidr"})
	}
	if err := s.registry.UnblockNetwork(cidr); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"unblocked": cidr})
}

func (s *Sentinel) handleActivateMitigation(c *fiber.Ctx) error {
	s.ActivateMitigation()
	return c.JSON(fiber.Map{"mode": string(ModeMitigating), "manualOverride": true})
}

func (s *Sentinel) handleDeactivateMitigation(c *fiber.Ctx) error {
	s.DeactivateMitigation()
	return c.JSON(fiber.Map{"mode": string(ModeNormal), "manualOverride": true})
}

func (s *Sentinel) handleResumeAutomatic(c *fiber.Ctx) error {
	s.ResumeAutomatic()
	return c.JSON(fiber.Map{"manualOverride": false})
}

func (s *Sentinel) handleTrustedDomains(c *fiber.Ctx) error {
	return c.JSON(s.registry.TrustedDomains())
}

func (s *Sentinel) handleAddTrustedDomain(c *fiber.Ctx) error {
	var req struct {
		Domain string `json:"domain"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if err := s.AddTrustedDomain(req.Domain); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"trusted": req.Domain})
}

func (s *Sentinel) handleRemoveTrustedDomain(c *fiber.Ctx) error {
	domain := c.Params("domain")
	if err := s.RemoveTrustedDomain(domain); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"removed": domain})
}

func (s *Sentinel) handleGeoLocations(c *fiber.Ctx) error {
	return c.JSON(s.GeoLocations())
}

func (s *Sentinel) handleTrafficHistory(c *fiber.Ctx) error {
	return c.JSON(s.TrafficHistory())
}

func (s *Sentinel) handleEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	return c.JSON(s.Events(limit))
}
