package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
	"github.com/fieldtrack/fieldloc/pkg/retry"
)

// Config holds sync endpoint settings.
type Config struct {
	SyncURL  string        `json:"sync_url"`
	ProbeURL string        `json:"probe_url"`
	DeviceID string        `json:"device_id"`
	Timeout  time.Duration `json:"timeout"`
	Retry    retry.Policy  `json:"retry"`
}

// DefaultConfig returns client settings with a 15 second request budget and
// the shared default retry policy.
func DefaultConfig(syncURL, probeURL string) *Config {
	return &Config{
		SyncURL:  syncURL,
		ProbeURL: probeURL,
		Timeout:  15 * time.Second,
		Retry:    retry.DefaultPolicy(),
	}
}

// syncPayload is the wire shape the telemetry endpoint expects. One update
// per call; tripId is omitted for updates captured outside a trip.
type syncPayload struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  time.Time `json:"timestamp"`
	IsBackfill bool      `json:"isBackfill"`
	TripID     string    `json:"tripId,omitempty"`
}

// Client talks to the backend's liveness and telemetry sync endpoints. It is
// the store's update sender during replay and the orchestrator's transport
// for live reports.
type Client struct {
	cfg        *Config
	logger     *logx.Logger
	httpClient *http.Client
}

// NewClient creates a sync client for cfg.
func NewClient(cfg *Config, logger *logx.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig("", "")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.DefaultPolicy()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Probe checks backend reachability with a cheap GET. 200 OK means
// reachable; no retries, the caller probes on its own cadence.
func (c *Client) Probe(ctx context.Context) error {
	if c.cfg.ProbeURL == "" {
		return fmt.Errorf("no probe URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// SendUpdate delivers one location update. Transport errors and server-side
// failures are retried per the configured policy; a 4xx rejection is
// permanent and returned immediately so replay does not wedge on a bad item.
func (c *Client) SendUpdate(ctx context.Context, update pkg.OfflineLocationUpdate, isBackfill bool) error {
	if c.cfg.SyncURL == "" {
		return fmt.Errorf("no sync URL configured")
	}

	payload := syncPayload{
		Latitude:   update.Latitude,
		Longitude:  update.Longitude,
		Timestamp:  update.CapturedAt.UTC(),
		IsBackfill: isBackfill,
		TripID:     update.TripID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	err = c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return c.postUpdate(ctx, body)
	})
	if err != nil {
		return err
	}

	c.logger.LogDebugVerbose("update_synced", map[string]interface{}{
		"captured_at": update.CapturedAt,
		"is_backfill": isBackfill,
		"trip_id":     update.TripID,
	})
	return nil
}

func (c *Client) postUpdate(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SyncURL, bytes.NewReader(body))
	if err != nil {
		return retry.Stop(fmt.Errorf("failed to build sync request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Stop(fmt.Errorf("sync endpoint rejected update: HTTP %d: %s",
			resp.StatusCode, bytes.TrimSpace(detail)))
	default:
		return fmt.Errorf("sync endpoint returned HTTP %d: %s",
			resp.StatusCode, bytes.TrimSpace(detail))
	}
}
