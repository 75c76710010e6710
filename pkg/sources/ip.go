package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// ipResult is the normalized payload every provider parser produces.
type ipResult struct {
	Latitude  float64
	Longitude float64
	City      string
	Country   string
	IP        string
}

// IPProvider describes one external geolocation endpoint: where to fetch,
// how to parse its JSON shape, and the city-scale accuracy to assume since
// none of these services report a usable radius themselves.
type IPProvider struct {
	Name      string
	URL       string
	AccuracyM float64
	Parse     func([]byte) (*ipResult, error)
}

// IPChain walks an ordered list of IP-geolocation providers: first success
// wins, and exhausting the list yields the built-in default coordinate so
// the caller always receives a (low-confidence) position.
type IPChain struct {
	logger     *logx.Logger
	priority   int
	httpClient *http.Client
	providers  []IPProvider
	defaultLat float64
	defaultLon float64
	health     healthState
}

// accuracy assumed for the built-in default coordinate
const defaultCoordinateAccuracyM = 50000

// NewIPChain creates the ip-based source with the standard provider order
// (primary → alternative → alternative2 → final fallback). The default
// coordinate is returned when every provider fails.
func NewIPChain(priority int, defaultLat, defaultLon float64, timeout time.Duration, logger *logx.Logger) *IPChain {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &IPChain{
		logger:     logger,
		priority:   priority,
		httpClient: &http.Client{Timeout: timeout},
		providers:  DefaultIPProviders(),
		defaultLat: defaultLat,
		defaultLon: defaultLon,
	}
}

// SetProviders replaces the provider chain, preserving order.
func (c *IPChain) SetProviders(providers []IPProvider) {
	c.providers = providers
}

// Name returns the source name.
func (c *IPChain) Name() string { return "ip" }

// Priority returns the source priority.
func (c *IPChain) Priority() int { return c.priority }

// Health returns the current health status.
func (c *IPChain) Health() SourceHealth { return c.health.snapshot() }

// Available always reports true: the chain ends in the built-in default
// coordinate, so it can produce a result even with no reachable provider.
func (c *IPChain) Available(ctx context.Context) bool {
	c.health.setAvailable(true)
	return true
}

// Collect tries each provider in order and returns the first success. When
// the whole chain fails the built-in default coordinate is returned with
// Source "default"; callers treat that as a degraded, never a failed, result.
func (c *IPChain) Collect(ctx context.Context) (*pkg.LocationSample, error) {
	start := time.Now()

	for _, provider := range c.providers {
		result, err := c.fetch(ctx, provider)
		if err != nil {
			c.logger.Debug("ip provider failed", "provider", provider.Name, "error", err)
			continue
		}

		c.health.recordSuccess(time.Since(start))
		c.logger.LogDebugVerbose("ip_location_resolved", map[string]interface{}{
			"provider":   provider.Name,
			"city":       result.City,
			"country":    result.Country,
			"ip":         result.IP,
			"latency_ms": time.Since(start).Milliseconds(),
		})

		return &pkg.LocationSample{
			Latitude:   result.Latitude,
			Longitude:  result.Longitude,
			Accuracy:   provider.AccuracyM,
			Source:     pkg.SourceIP,
			Provider:   provider.Name,
			CapturedAt: time.Now(),
		}, nil
	}

	c.health.recordError(fmt.Errorf("all %d ip providers failed", len(c.providers)))
	c.logger.Warn("ip provider chain exhausted, using default coordinate",
		"providers", len(c.providers))

	return &pkg.LocationSample{
		Latitude:   c.defaultLat,
		Longitude:  c.defaultLon,
		Accuracy:   defaultCoordinateAccuracyM,
		Source:     pkg.SourceDefault,
		Provider:   "builtin",
		CapturedAt: time.Now(),
	}, nil
}

func (c *IPChain) fetch(ctx context.Context, provider IPProvider) (*ipResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	result, err := provider.Parse(data)
	if err != nil {
		return nil, err
	}
	if !pkg.ValidCoordinate(result.Latitude, result.Longitude) {
		return nil, fmt.Errorf("invalid coordinates (%v, %v)", result.Latitude, result.Longitude)
	}
	return result, nil
}

// DefaultIPProviders returns the standard chain in fallback order.
func DefaultIPProviders() []IPProvider {
	return []IPProvider{
		{Name: "ip-api.com", URL: "http://ip-api.com/json/", AccuracyM: 5000, Parse: parseIPAPI},
		{Name: "ipapi.co", URL: "https://ipapi.co/json/", AccuracyM: 5000, Parse: parseIPAPICo},
		{Name: "ipwho.is", URL: "https://ipwho.is/", AccuracyM: 8000, Parse: parseIPWhoIs},
		{Name: "freeipapi.com", URL: "https://freeipapi.com/api/json", AccuracyM: 10000, Parse: parseFreeIPAPI},
	}
}

func parseIPAPI(data []byte) (*ipResult, error) {
	var r struct {
		Status  string  `json:"status"`
		Message string  `json:"message"`
		City    string  `json:"city"`
		Country string  `json:"country"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
		Query   string  `json:"query"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse ip-api response: %w", err)
	}
	if r.Status != "success" {
		return nil, fmt.Errorf("ip-api status %q: %s", r.Status, r.Message)
	}
	return &ipResult{Latitude: r.Lat, Longitude: r.Lon, City: r.City, Country: r.Country, IP: r.Query}, nil
}

func parseIPAPICo(data []byte) (*ipResult, error) {
	var r struct {
		Error     bool    `json:"error"`
		Reason    string  `json:"reason"`
		City      string  `json:"city"`
		Country   string  `json:"country_name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		IP        string  `json:"ip"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse ipapi.co response: %w", err)
	}
	if r.Error {
		return nil, fmt.Errorf("ipapi.co error: %s", r.Reason)
	}
	return &ipResult{Latitude: r.Latitude, Longitude: r.Longitude, City: r.City, Country: r.Country, IP: r.IP}, nil
}

func parseIPWhoIs(data []byte) (*ipResult, error) {
	var r struct {
		Success   bool    `json:"success"`
		Message   string  `json:"message"`
		City      string  `json:"city"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		IP        string  `json:"ip"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse ipwho.is response: %w", err)
	}
	if !r.Success {
		return nil, fmt.Errorf("ipwho.is error: %s", r.Message)
	}
	return &ipResult{Latitude: r.Latitude, Longitude: r.Longitude, City: r.City, Country: r.Country, IP: r.IP}, nil
}

func parseFreeIPAPI(data []byte) (*ipResult, error) {
	var r struct {
		City      string  `json:"cityName"`
		Country   string  `json:"countryName"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		IP        string  `json:"ipAddress"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse freeipapi response: %w", err)
	}
	return &ipResult{Latitude: r.Latitude, Longitude: r.Longitude, City: r.City, Country: r.Country, IP: r.IP}, nil
}
