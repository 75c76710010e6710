package sources

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
)

// ServingCell identifies the tower the modem is currently camped on.
type ServingCell struct {
	MCC       int    `json:"mcc"`
	MNC       int    `json:"mnc"`
	LAC       int    `json:"lac"`
	CellID    int    `json:"cellid"`
	Radio     string `json:"radio"` // gsm, umts, lte, nr
	SignalDBM int    `json:"signal_dbm"`
}

// CellInfoReader supplies the current serving cell. Modem-specific and
// injected; a nil reader leaves the cell source permanently unavailable.
type CellInfoReader interface {
	ServingCell(ctx context.Context) (*ServingCell, error)
}

// CellSource resolves position by looking the serving tower up in a
// tower-geolocation service (unwiredlabs-style process endpoint). Expected
// accuracy envelope is roughly 100-3000m.
type CellSource struct {
	logger     *logx.Logger
	priority   int
	apiURL     string
	token      string
	reader     CellInfoReader
	httpClient *http.Client
	health     healthState
}

type cellLookupRequest struct {
	Token   string           `json:"token"`
	Radio   string           `json:"radio"`
	MCC     int              `json:"mcc"`
	MNC     int              `json:"mnc"`
	Cells   []cellLookupCell `json:"cells"`
	Address int              `json:"address"`
}

type cellLookupCell struct {
	LAC    int `json:"lac"`
	CID    int `json:"cid"`
	Signal int `json:"signal,omitempty"`
}

type cellLookupResponse struct {
	Status   string  `json:"status"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
	Message  string  `json:"message,omitempty"`
}

// NewCellSource creates the cellular-assisted source against apiURL.
func NewCellSource(priority int, apiURL, token string, reader CellInfoReader, timeout time.Duration, logger *logx.Logger) *CellSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CellSource{
		logger:     logger,
		priority:   priority,
		apiURL:     apiURL,
		token:      token,
		reader:     reader,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the source name.
func (c *CellSource) Name() string { return "cell" }

// Priority returns the source priority.
func (c *CellSource) Priority() int { return c.priority }

// Health returns the current health status.
func (c *CellSource) Health() SourceHealth { return c.health.snapshot() }

// Available reports whether a lookup endpoint, token and modem reader are
// all configured.
func (c *CellSource) Available(ctx context.Context) bool {
	available := c.apiURL != "" && c.token != "" && c.reader != nil
	c.health.setAvailable(available)
	return available
}

// Collect reads the serving cell and resolves it to a position.
func (c *CellSource) Collect(ctx context.Context) (*pkg.LocationSample, error) {
	if !c.Available(ctx) {
		err := fmt.Errorf("%w: cell positioning not configured", ErrHardwareUnavailable)
		c.health.recordError(err)
		return nil, err
	}

	start := time.Now()

	cell, err := c.reader.ServingCell(ctx)
	if err != nil {
		err = fmt.Errorf("read serving cell: %w", err)
		c.health.recordError(err)
		return nil, err
	}

	sample, err := c.lookup(ctx, cell)
	if err != nil {
		c.health.recordError(err)
		return nil, err
	}

	c.health.recordSuccess(time.Since(start))
	c.logger.LogDebugVerbose("cell_location_resolved", map[string]interface{}{
		"mcc":        cell.MCC,
		"mnc":        cell.MNC,
		"lac":        cell.LAC,
		"cellid":     cell.CellID,
		"accuracy_m": sample.Accuracy,
		"latency_ms": time.Since(start).Milliseconds(),
	})

	return sample, nil
}

func (c *CellSource) lookup(ctx context.Context, cell *ServingCell) (*pkg.LocationSample, error) {
	radio := cell.Radio
	if radio == "" {
		radio = "lte"
	}

	payload := cellLookupRequest{
		Token: c.token,
		Radio: radio,
		MCC:   cell.MCC,
		MNC:   cell.MNC,
		Cells: []cellLookupCell{{
			LAC:    cell.LAC,
			CID:    cell.CellID,
			Signal: cell.SignalDBM,
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal lookup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tower lookup: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tower lookup returned HTTP %d", resp.StatusCode)
	}

	var result cellLookupResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse lookup response: %w", err)
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("tower lookup rejected: %s", result.Message)
	}
	if !pkg.ValidCoordinate(result.Lat, result.Lon) {
		return nil, fmt.Errorf("tower lookup returned empty position")
	}

	return &pkg.LocationSample{
		Latitude:   result.Lat,
		Longitude:  result.Lon,
		Accuracy:   result.Accuracy,
		Source:     pkg.SourceCell,
		Provider:   "tower-lookup",
		CapturedAt: time.Now(),
	}, nil
}
