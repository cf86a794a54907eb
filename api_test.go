package sentinel

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*fiber.App, *Sentinel) {
	t.Helper()
	logger := &log.Logger{Level: log.PanicLevel, Writer: log.IOWriter{Writer: io.Discard}}
	s, err := New(DefaultConfig(), Options{Logger: logger})
	require.NoError(t, err)

	app := fiber.New()
	s.RegisterAdminRoutes(app)
	return app, s
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestAPIStatus(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/sentinel/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	decodeBody(t, resp, &status)
	assert.Equal(t, ModeNormal, status.Mode)
	assert.False(t, status.ManualOverride)
	assert.Zero(t, status.BlockedIPs)
}

func TestAPIBlockUnblockRoundTrip(t *testing.T) {
	app, s := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/sentinel/block", fiber.Map{"ip": "203.0.113.7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, s.Registry().IsBlocked("203.0.113.7"))

	resp = doJSON(t, app, http.MethodGet, "/sentinel/status", nil)
	var status Status
	decodeBody(t, resp, &status)
	assert.Equal(t, 1, status.BlockedIPs)

	resp = doJSON(t, app, http.MethodDelete, "/sentinel/block/203.0.113.7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, s.Registry().IsBlocked("203.0.113.7"))
}

func TestAPIBlockInvalidIP(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/sentinel/block", fiber.Map{"ip": "not-an-ip"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "invalid IP address")
}

func TestAPIBlockNetwork(t *testing.T) {
	app, s := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/sentinel/block-network", fiber.Map{"cidr": "198.51.100.0/24"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, s.Registry().IsBlocked("198.51.100.42"))

	resp = doJSON(t, app, http.MethodDelete, "/sentinel/block-network/198.51.100.0%2F24", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, s.Registry().IsBlocked("198.51.100.42"))

	resp = doJSON(t, app, http.MethodPost, "/sentinel/block-network", fiber.Map{"cidr": "nope"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIConfigUpdate(t *testing.T) {
	app, s := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/sentinel/config", fiber.Map{
		"alertThreshold": 30,
		"autoBlockTTL":   "5m",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 30.0, s.Config().AlertThreshold)

	// Inconsistent thresholds are rejected atomically.
	resp = doJSON(t, app, http.MethodPut, "/sentinel/config", fiber.Map{
		"alertThreshold":      90,
		"mitigationThreshold": 50,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 30.0, s.Config().AlertThreshold)

	resp = doJSON(t, app, http.MethodPut, "/sentinel/config", fiber.Map{"bucketWidth": "soon"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIMitigationControl(t *testing.T) {
	app, s := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/sentinel/mitigation/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, ModeMitigating, s.Status().Mode)
	assert.True(t, s.Status().ManualOverride)

	resp = doJSON(t, app, http.MethodPost, "/sentinel/mitigation/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, ModeNormal, s.Status().Mode)
	assert.True(t, s.Status().ManualOverride)

	resp = doJSON(t, app, http.MethodPost, "/sentinel/mitigation/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, s.Status().ManualOverride)
}

func TestAPITrustedDomains(t *testing.T) {
	app, s := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/sentinel/trusted-domains", fiber.Map{"domain": "CDN.Example"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, s.Registry().IsTrustedDomain("cdn.example"))

	resp = doJSON(t, app, http.MethodGet, "/sentinel/trusted-domains", nil)
	var domains []TrustedDomain
	decodeBody(t, resp, &domains)
	require.Len(t, domains, 1)
	assert.Equal(t, "cdn.example", domains[0].Domain)

	resp = doJSON(t, app, http.MethodDelete, "/sentinel/trusted-domains/cdn.example", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, s.Registry().IsTrustedDomain("cdn.example"))

	resp = doJSON(t, app, http.MethodPost, "/sentinel/trusted-domains", fiber.Map{"domain": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIHistoryAndEvents(t *testing.T) {
	app, s := newTestApp(t)
	require.NoError(t, s.BlockIP("203.0.113.7"))

	resp := doJSON(t, app, http.MethodGet, "/sentinel/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var samples []Sample
	decodeBody(t, resp, &samples)
	assert.Empty(t, samples)

	resp = doJSON(t, app, http.MethodGet, "/sentinel/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []SecurityEvent
	decodeBody(t, resp, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, EventManualBlock, events[0].Type)
}

func TestMiddlewareEnforcement(t *testing.T) {
	_, s := newTestApp(t)

	app := fiber.New()
	app.Use(s.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A manual block gates immediately, in NORMAL mode too.
	require.NoError(t, s.BlockIP("0.0.0.0"))
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Unblocking restores access just as immediately.
	require.NoError(t, s.UnblockIP("0.0.0.0"))
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Blocked traffic is still observed for scoring.
	require.NoError(t, s.BlockIP("0.0.0.0"))
	app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	sample := s.aggregator.Close(time.Now().Add(time.Second))
	assert.Greater(t, sample.RequestCount, 0)
}
